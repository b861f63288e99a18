// Package controller implements the typed controller client: operation
// methods, session-token lifecycle, controller rebinding, instance-id
// tracking, and transparent pagination, all built on top of
// internal/zitictl/transport and internal/zitictl/envelope.
package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/openziti/edge-client-go/internal/zitictl/envelope"
	"github.com/openziti/edge-client-go/internal/zitictl/transport"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

// DefaultPageSize is used when Config.PageSize is zero.
const DefaultPageSize = 25

// Config configures a new Controller.
type Config struct {
	BaseURL   string
	TLSConfig *tls.Config
	PageSize  int
	// RedirectObserver, when non-nil, is called once after the Controller
	// adopts a new base URL via a ziti-ctrl-address rebind.
	RedirectObserver func(newURL string)
	// OnInstanceChange, when non-nil, is called once the controller's
	// ziti-instance-id is observed to change from its previously cached
	// value (a restart). The posture engine registers this hook to force
	// resubmission of every cached probe body on the next tick.
	OnInstanceChange func()
}

// Controller is the control-plane client. All mutable state (base URL,
// session token, instance id, bulk-unsupported flag) is guarded by mu;
// Go's http.Client multiplexes connections, so requests started in order
// may complete out of order and the mutex stands in for a single-threaded
// scheduler's implicit serialization.
type Controller struct {
	mu                sync.Mutex
	transport         *transport.Client
	apiVersionPrefix  string
	version           string
	instanceID        string
	sessionToken      string
	apiSessionID      string
	pageSize          int
	bulkUnsupported   bool
	redirectObserver  func(string)
	onInstanceChange  func()
}

// preSessionOps is the set of operations allowed before a session token is
// present.
var preSessionOps = map[string]bool{
	"version":         true,
	"login":           true,
	"enroll":          true,
	"well-known-certs": true,
}

// New constructs a Controller targeting cfg.BaseURL. No network I/O occurs
// until the first operation is called.
func New(cfg Config) *Controller {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Controller{
		transport:        transport.New(cfg.BaseURL, cfg.TLSConfig),
		pageSize:         pageSize,
		redirectObserver: cfg.RedirectObserver,
		onInstanceChange: cfg.OnInstanceChange,
	}
}

// HasSession reports whether a session token is currently set.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken != ""
}

// APIVersionPrefix returns the path prefix adopted from the version
// operation's api_versions.edge["v1"].path field, or "" before Version has
// been called successfully.
func (c *Controller) APIVersionPrefix() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiVersionPrefix
}

// InstanceID returns the last-observed controller instance id.
func (c *Controller) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// APISessionID returns the id of the current API session, or "" when no
// session is established. The posture engine compares this across ticks to
// detect a new login.
func (c *Controller) APISessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiSessionID
}

// CancelAll aborts every in-flight operation; each fires its terminal
// callback (via the returned error) with zerr.Disabled.
func (c *Controller) CancelAll() {
	c.transport.CancelAll()
}

// Close cancels all in-flight operations and releases cached identity/URL
// state. The Controller must not be used after Close.
func (c *Controller) Close() {
	c.transport.CancelAll()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = ""
	c.apiSessionID = ""
	c.instanceID = ""
	c.version = ""
	c.apiVersionPrefix = ""
}

// opResult is the outcome of one round trip through transport+envelope.
type opResult struct {
	env    *envelope.Envelope
	status int
	body   []byte // raw bytes, populated only for plain-text operations
	err    *zerr.Error
}

// do issues one non-paged request against opName's path, honoring the
// pre-session allowlist and zt-session header injection, and resolves
// rebind/instance-id bookkeeping after the terminal result is available.
func (c *Controller) do(ctx context.Context, opName, method, path string, body any, plainText bool) opResult {
	c.mu.Lock()
	token := c.sessionToken
	prefix := c.apiVersionPrefix
	c.mu.Unlock()

	if token == "" && !preSessionOps[opName] {
		return opResult{err: zerr.New(zerr.AuthFailed, "no api session token set")}
	}

	// The prefix adopted from the version operation applies to every edge
	// API path; /version itself and the well-known EST bundle live at the
	// server root.
	if prefix != "" && opName != "version" && !strings.HasPrefix(path, "/.well-known") {
		path = prefix + path
	}

	var bodyReader io.Reader
	if body != nil {
		switch v := body.(type) {
		case []byte:
			bodyReader = bytes.NewReader(v)
		case string:
			bodyReader = strings.NewReader(v)
		default:
			b, err := json.Marshal(body)
			if err != nil {
				return opResult{err: zerr.New(zerr.InvalidConfig, fmt.Sprintf("marshal request body: %v", err))}
			}
			bodyReader = bytes.NewReader(b)
		}
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	switch {
	case opName == "well-known-certs":
		// The well-known CA bundle is PKCS#7 and carries no envelope.
		headers.Set("Accept", "application/pkcs7-mime")
	case opName == "enroll" && plainText:
		// CSR enrollment sends its body as text/plain, not JSON.
		headers.Set("Content-Type", "text/plain")
	default:
		headers.Set("Content-Type", "application/json")
	}
	if token != "" {
		headers.Set("zt-session", token)
	}

	resultCh := make(chan *transport.Result, 1)
	c.transport.Start(ctx, method, path, bodyReader, headers, plainText, func(res *transport.Result) {
		resultCh <- res
	})
	res := <-resultCh

	out := opResult{status: res.Status}
	if res.Err != nil {
		out.err = res.Err
		c.afterResponse(res)
		return out
	}

	if plainText {
		out.body = res.Body
		c.afterResponse(res)
		return out
	}

	env, zerrOut := envelope.Decode(res.Status, res.Body)
	out.env = env
	out.err = zerrOut
	c.afterResponse(res)
	return out
}

// afterResponse applies rebind/instance-id bookkeeping once a response is in
// hand, before do returns it. A rebound base URL is used by every request
// started afterwards, including the remaining pages of a paginated walk that
// is already in progress.
func (c *Controller) afterResponse(res *transport.Result) {
	if res.InstanceID != "" {
		c.mu.Lock()
		changed := c.instanceID != "" && c.instanceID != res.InstanceID
		c.instanceID = res.InstanceID
		hook := c.onInstanceChange
		c.mu.Unlock()
		if changed && hook != nil {
			hook()
		}
	}
	if res.CtrlAddress != "" {
		c.mu.Lock()
		current := c.transport.BaseURL()
		c.mu.Unlock()
		if res.CtrlAddress != current {
			c.transport.Rebind(res.CtrlAddress)
			if c.redirectObserver != nil {
				c.redirectObserver(res.CtrlAddress)
			}
		}
	}
}

// setSession stores the session token so it is attached to every
// subsequent request as the zt-session header, and the session id so the
// posture engine can detect a re-login.
func (c *Controller) setSession(token, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
	c.apiSessionID = id
}

// clearSession drops the current session token regardless of the
// triggering operation's outcome.
func (c *Controller) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = ""
	c.apiSessionID = ""
}

// paginate accumulates pages from basePath, growing the output slice
// (never truncating) as meta.pagination.totalCount changes, stopping once
// totalCount <= offset+limit.
func (c *Controller) paginate(ctx context.Context, opName, basePath string) ([]json.RawMessage, *zerr.Error) {
	c.mu.Lock()
	limit := c.pageSize
	c.mu.Unlock()

	var out []json.RawMessage
	offset := 0

	for {
		sep := "?"
		if strings.Contains(basePath, "?") {
			sep = "&"
		}
		path := fmt.Sprintf("%s%slimit=%d&offset=%d", basePath, sep, limit, offset)

		res := c.do(ctx, opName, http.MethodGet, path, nil, false)
		if res.err != nil {
			return out, res.err
		}

		var page []json.RawMessage
		if len(res.env.Data) > 0 {
			if err := json.Unmarshal(res.env.Data, &page); err != nil {
				return out, zerr.New(zerr.InvalidState, fmt.Sprintf("paginate %s: decode page: %v", opName, err))
			}
		}

		total := res.env.Meta.Pagination.TotalCount
		if cap(out) < total+1 {
			grown := make([]json.RawMessage, len(out), total+1)
			copy(grown, out)
			out = grown
		}
		out = append(out, page...)

		if total <= offset+limit {
			return out, nil
		}
		offset += len(page)
		if len(page) == 0 {
			// Defensive: a server reporting a total it never delivers must
			// not spin forever.
			slog.Warn("controller: paginate received empty page before reaching declared total",
				"op", opName, "offset", offset, "total", total)
			return out, nil
		}
	}
}

// buildQuery appends query parameters to path using the correct separator.
func buildQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}
