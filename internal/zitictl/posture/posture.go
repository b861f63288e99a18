// Package posture implements the posture engine: it composes the set of
// required probes from the service catalog's posture
// queries, caches each probe's last submitted body, decides whether a
// changed or previously-failed body needs resubmission, and dispatches
// bulk-or-per-item posture submissions to the controller client. The
// mutex-guarded cache stands in for a single-threaded scheduler (see the
// concurrency notes in internal/zitictl/controller); the ordering
// guarantees of a tick are identical regardless of how the underlying
// goroutines interleave.
package posture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openziti/edge-client-go/internal/zitictl/controller"
	"github.com/openziti/edge-client-go/internal/zitictl/posture/probe"
	"github.com/openziti/edge-client-go/internal/zitictl/scheduler"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

// Probe ids for the non-process query types.
const (
	IDOS            = "OS"
	IDMAC           = "MAC"
	IDDomain        = "DOMAIN"
	IDEndpointState = "ENDPOINT_STATE"
)

// ServiceCatalog is the engine's view of the service cache the controller
// client populates, decoupled so posture can be tested without a live
// Controller. A force-refresh request is debounced by the catalog
// implementation, not by the engine.
type ServiceCatalog interface {
	Services(ctx context.Context) ([]controller.Service, error)
	ForceRefreshService(id string)
	RequestRefresh()
}

// Submitter is the subset of *controller.Controller the engine depends on.
type Submitter interface {
	PostureResponse(ctx context.Context, item controller.PostureResponseItem) error
	PostureResponseBulk(ctx context.Context, items []controller.PostureResponseItem) ([]controller.ServiceTimeout, error)
}

// Overrides lets a host application substitute its own probe
// implementations; each override must invoke its reply callback exactly
// once.
type Overrides struct {
	OS      func(ctx context.Context, reply probe.Reply)
	MAC     func(ctx context.Context, reply probe.Reply)
	Domain  func(ctx context.Context, reply probe.Reply)
	Process func(ctx context.Context, path string, reply probe.Reply)
}

type cacheEntry struct {
	serialized json.RawMessage
	pending    bool
	shouldSend bool
	obsolete   bool
	noExpiry   bool
	queryType  string
	process    *controller.Process
}

// Config configures a new Engine.
type Config struct {
	Controller Submitter
	Catalog    ServiceCatalog
	Interval   time.Duration
	Overrides  Overrides
	WorkerPool *scheduler.WorkerPool
	Clock      scheduler.Clock
	// Session reports the current API session id and whether a session is
	// established. When nil the engine assumes a session is always present
	// (useful for tests). A tick with no session is skipped; a tick that
	// observes a new session id resends every cached body.
	Session func() (id string, ok bool)
}

// Engine is the posture engine. It owns the response cache, the
// error-state map, and the periodic timer; the controller client and
// service catalog are injected.
type Engine struct {
	mu            sync.Mutex
	cache         map[string]*cacheEntry
	errorState    map[string]bool
	lastSessionID string
	started       bool

	ctrl      Submitter
	catalog   ServiceCatalog
	overrides Overrides
	pool      *scheduler.WorkerPool
	session   func() (string, bool)

	timer *scheduler.Timer
}

// New constructs an Engine. Call Start to begin the periodic tick.
func New(cfg Config) *Engine {
	pool := cfg.WorkerPool
	if pool == nil {
		pool = scheduler.NewWorkerPool(4)
	}
	return &Engine{
		cache:      make(map[string]*cacheEntry),
		errorState: make(map[string]bool),
		ctrl:       cfg.Controller,
		catalog:    cfg.Catalog,
		overrides:  cfg.Overrides,
		pool:       pool,
		session:    cfg.Session,
		timer:      scheduler.NewTimer(cfg.Interval, cfg.Clock),
	}
}

// Start begins the recurring posture timer; its first tick fires almost
// immediately. Calling Start again on a running Engine is a no-op, so a
// host that logs in twice does not double the tick rate.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	e.timer.Start(ctx, e.Tick)
}

// Stop halts the timer. It cancels the context ticks run with, so probe work
// and submissions of a tick in progress see that cancellation, and it
// returns once that tick has finished.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()
	e.timer.Stop()
}

// OnInstanceChange forces every cached probe to resend on the next tick,
// regardless of whether its body changed: a restarted controller holds no
// posture state. Register this as the Controller's OnInstanceChange hook.
func (e *Engine) OnInstanceChange() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.cache {
		entry.shouldSend = true
	}
}

// EndpointStateChange sends a single ENDPOINT_STATE posture response
// immediately, bypassing the cache, when the endpoint has woken or
// unlocked.
func (e *Engine) EndpointStateChange(ctx context.Context, woken, unlocked bool) {
	if !woken && !unlocked {
		return
	}
	item := controller.PostureResponseItem{
		ID:       "0",
		TypeID:   "ENDPOINT_STATE",
		Woken:    controller.Bool(woken),
		Unlocked: controller.Bool(unlocked),
	}
	if err := e.ctrl.PostureResponse(ctx, item); err != nil {
		slog.Warn("posture: endpoint state change submission failed", "error", err)
	}
}

// Tick performs one posture pass: compute the required probe set,
// dispatch missing probes, wait for this tick's dispatched work to
// resolve, then send whatever needs sending.
func (e *Engine) Tick(ctx context.Context) {
	if e.session != nil {
		sessionID, ok := e.session()
		if !ok {
			return
		}
		e.mu.Lock()
		if sessionID != e.lastSessionID {
			// A new login means the controller has no posture state for this
			// session yet; resend everything we hold.
			for _, entry := range e.cache {
				entry.shouldSend = true
			}
			e.lastSessionID = sessionID
		}
		e.mu.Unlock()
	}

	services, err := e.catalog.Services(ctx)
	if err != nil {
		slog.Warn("posture: tick could not load service catalog", "error", err)
		return
	}

	required, processPaths := requiredSet(services)

	e.mu.Lock()
	for _, entry := range e.cache {
		if !entry.pending && !entry.shouldSend {
			entry.obsolete = true
		}
	}

	var toDispatch []string
	for id, req := range required {
		entry, ok := e.cache[id]
		if !ok {
			entry = &cacheEntry{queryType: req.queryType, process: req.process}
			e.cache[id] = entry
		}
		entry.obsolete = false
		entry.noExpiry = req.noExpiry
		entry.queryType = req.queryType
		entry.process = req.process
		if !entry.pending {
			entry.pending = true
			toDispatch = append(toDispatch, id)
		}
	}
	e.mu.Unlock()

	e.dispatch(ctx, toDispatch, processPaths)
	e.send(ctx)
}

type requiredEntry struct {
	queryType string
	noExpiry  bool
	process   *controller.Process
}

// requiredSet walks every service's posture-query map and builds the
// required-probe set: a single OS/MAC/DOMAIN entry (last writer wins) plus
// one entry per process path, including PROCESS_MULTI expansion.
func requiredSet(services []controller.Service) (map[string]requiredEntry, map[string]string) {
	required := make(map[string]requiredEntry)
	processPaths := make(map[string]string)

	for _, svc := range services {
		for _, set := range svc.PostureQueries {
			for _, q := range set.PostureQueries {
				noExpiry := q.Timeout == -1
				switch q.QueryType {
				case "OS":
					merge(required, IDOS, "OS", noExpiry)
				case "MAC":
					merge(required, IDMAC, "MAC", noExpiry)
				case "DOMAIN":
					merge(required, IDDomain, "DOMAIN", noExpiry)
				case "PROCESS":
					if q.Process != nil {
						mergeProcess(required, processPaths, q.Process, noExpiry)
					}
				case "PROCESS_MULTI":
					for i := range q.Processes {
						mergeProcess(required, processPaths, &q.Processes[i], noExpiry)
					}
				}
			}
		}
	}
	return required, processPaths
}

// merge records a required probe id. When two services request the same id
// with different timeout policies the stricter one wins: a single expiring
// (stateful) query anywhere in the catalog keeps the id's unconditional
// resubmission alive, so noExpiry combines with AND.
func merge(required map[string]requiredEntry, id, queryType string, noExpiry bool) {
	if existing, ok := required[id]; ok {
		noExpiry = existing.noExpiry && noExpiry
	}
	required[id] = requiredEntry{queryType: queryType, noExpiry: noExpiry}
}

// mergeProcess is merge for process ids: one probe and one cache entry per
// path, even when a PROCESS_MULTI lists a path another PROCESS check names.
func mergeProcess(required map[string]requiredEntry, processPaths map[string]string, p *controller.Process, noExpiry bool) {
	if existing, ok := required[p.Path]; ok {
		noExpiry = existing.noExpiry && noExpiry
	}
	required[p.Path] = requiredEntry{queryType: "PROCESS", noExpiry: noExpiry, process: p}
	processPaths[p.Path] = p.Path
}

// dispatch runs one probe per id through the bounded worker pool and waits
// for every result to land in the cache before returning. The pool's limit
// exists for the process probes, which hash a file each; the cheap
// OS/MAC/DOMAIN probes ride the same pool for uniformity.
func (e *Engine) dispatch(ctx context.Context, ids []string, processPaths map[string]string) {
	var jobs []func(ctx context.Context)
	for _, id := range ids {
		id := id
		if path, isProcess := processPaths[id]; isProcess {
			jobs = append(jobs, func(ctx context.Context) {
				e.dispatchProcess(ctx, id, path)
			})
			continue
		}
		jobs = append(jobs, func(ctx context.Context) {
			e.dispatchSimple(ctx, id)
		})
	}
	e.pool.Run(ctx, jobs)
}

func (e *Engine) dispatchSimple(ctx context.Context, id string) {
	reply := func(body any) { e.collect(id, body) }
	switch id {
	case IDOS:
		if e.overrides.OS != nil {
			e.overrides.OS(ctx, reply)
		} else {
			probe.OS(ctx, reply)
		}
	case IDMAC:
		if e.overrides.MAC != nil {
			e.overrides.MAC(ctx, reply)
		} else {
			probe.MAC(ctx, reply)
		}
	case IDDomain:
		if e.overrides.Domain != nil {
			e.overrides.Domain(ctx, reply)
		} else {
			probe.Domain(ctx, reply)
		}
	}
}

func (e *Engine) dispatchProcess(ctx context.Context, id, path string) {
	reply := func(body any) { e.collect(id, body) }
	if e.overrides.Process != nil {
		e.overrides.Process(ctx, path, reply)
		return
	}
	probe.Process(ctx, path, reply)
}

// collect records a probe's reply: the cache entry's pending flag clears,
// and shouldSend is set whenever the body changed, the id's last
// submission errored, or the query's timeout is finite.
func (e *Engine) collect(id string, body any) {
	serialized, err := json.Marshal(body)
	if err != nil {
		slog.Warn("posture: failed to serialize probe reply", "id", id, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[id]
	if !ok {
		return
	}
	changed := string(entry.serialized) != string(serialized)
	entry.serialized = serialized
	entry.pending = false
	// An unchanged body is still resent while its query has a finite timeout
	// (the controller's state for it expires) or its last submission errored.
	if changed || e.errorState[id] || !entry.noExpiry {
		entry.shouldSend = true
	}
}

// pendingSend pairs a cache entry with its id for the duration of one send
// pass.
type pendingSend struct {
	id    string
	entry *cacheEntry
}

// send dispatches everything queued for submission: bulk when supported,
// per-item otherwise, degrading permanently to per-item on the first 404.
func (e *Engine) send(ctx context.Context) {
	e.mu.Lock()
	var batch []pendingSend
	for id, entry := range e.cache {
		if entry.shouldSend && !entry.pending {
			batch = append(batch, pendingSend{id: id, entry: entry})
		}
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		e.prune()
		return
	}

	items := make([]controller.PostureResponseItem, 0, len(batch))
	for _, p := range batch {
		items = append(items, toItem(p.id, p.entry))
	}

	services, err := e.ctrl.PostureResponseBulk(ctx, items)
	if err == nil {
		e.mu.Lock()
		for _, p := range batch {
			p.entry.shouldSend = false
		}
		for id := range e.errorState {
			delete(e.errorState, id)
		}
		e.mu.Unlock()
		e.handleServiceTimeouts(services)
		e.prune()
		return
	}

	var ze *zerr.Error
	if errors.As(err, &ze) && ze.Kind == zerr.NotFound {
		slog.Warn("posture: bulk posture submission unsupported by controller, degrading to per-item")
		e.sendPerItem(ctx, batch)
		e.prune()
		return
	}

	// Any other bulk failure: restore must_send so the next tick retries.
	e.mu.Lock()
	for _, p := range batch {
		p.entry.shouldSend = true
		e.errorState[p.id] = true
	}
	e.mu.Unlock()
}

func (e *Engine) sendPerItem(ctx context.Context, batch []pendingSend) {
	for _, p := range batch {
		item := toItem(p.id, p.entry)
		err := e.ctrl.PostureResponse(ctx, item)
		e.mu.Lock()
		if err != nil {
			e.errorState[p.id] = true
			p.entry.shouldSend = true
		} else {
			delete(e.errorState, p.id)
			p.entry.shouldSend = false
		}
		e.mu.Unlock()
	}
}

func (e *Engine) handleServiceTimeouts(services []controller.ServiceTimeout) {
	if len(services) == 0 {
		return
	}
	for _, svc := range services {
		e.catalog.ForceRefreshService(svc.ID)
	}
	e.catalog.RequestRefresh()
}

// prune drops cache entries marked obsolete at the start of the tick that
// are neither pending nor queued for send, so a service no longer requiring
// a check stops being tracked.
func (e *Engine) prune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.cache {
		if entry.obsolete && !entry.pending && !entry.shouldSend {
			delete(e.cache, id)
			delete(e.errorState, id)
		}
	}
}

func toItem(id string, entry *cacheEntry) controller.PostureResponseItem {
	item := controller.PostureResponseItem{ID: id, TypeID: entry.queryType}
	switch entry.queryType {
	case "OS":
		var reply probe.OSReply
		_ = json.Unmarshal(entry.serialized, &reply)
		item.OSType = reply.Type
		item.Version = reply.Version
		item.Build = reply.Build
	case "MAC":
		var reply probe.MACReply
		_ = json.Unmarshal(entry.serialized, &reply)
		item.MacAddresses = reply.MacAddresses
	case "DOMAIN":
		var reply probe.DomainReply
		_ = json.Unmarshal(entry.serialized, &reply)
		item.Domain = reply.Domain
	case "PROCESS":
		var reply probe.ProcessReply
		_ = json.Unmarshal(entry.serialized, &reply)
		item.Path = reply.Path
		item.IsRunning = controller.Bool(reply.IsRunning)
		item.Hash = reply.Hash
		item.Signers = reply.Signers
	}
	return item
}
