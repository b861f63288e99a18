package posture_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openziti/edge-client-go/internal/zitictl/controller"
	"github.com/openziti/edge-client-go/internal/zitictl/posture"
	"github.com/openziti/edge-client-go/internal/zitictl/posture/probe"
	"github.com/openziti/edge-client-go/internal/zitictl/scheduler"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

type fakeCatalog struct {
	mu              sync.Mutex
	services        []controller.Service
	servicesCalls   int
	refreshRequests int
	forceRefreshed  []string
}

func (f *fakeCatalog) Services(ctx context.Context) ([]controller.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servicesCalls++
	return f.services, nil
}

func (f *fakeCatalog) ForceRefreshService(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceRefreshed = append(f.forceRefreshed, id)
}

func (f *fakeCatalog) RequestRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshRequests++
}

type fakeSubmitter struct {
	mu           sync.Mutex
	bulkCalls    int32
	itemCalls    int32
	bulkErr      error
	itemErr      error
	bulkServices []controller.ServiceTimeout
	lastBulk     []controller.PostureResponseItem
	lastItems    []controller.PostureResponseItem
}

func (f *fakeSubmitter) PostureResponse(ctx context.Context, item controller.PostureResponseItem) error {
	atomic.AddInt32(&f.itemCalls, 1)
	f.mu.Lock()
	f.lastItems = append(f.lastItems, item)
	f.mu.Unlock()
	return f.itemErr
}

func (f *fakeSubmitter) PostureResponseBulk(ctx context.Context, items []controller.PostureResponseItem) ([]controller.ServiceTimeout, error) {
	atomic.AddInt32(&f.bulkCalls, 1)
	f.mu.Lock()
	f.lastBulk = items
	f.mu.Unlock()
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	return f.bulkServices, nil
}

func macService() controller.Service {
	return controller.Service{
		ID:   "svc-1",
		Name: "svc-1",
		PostureQueries: []controller.PostureQuerySet{{
			PolicyID: "pol-1",
			PostureQueries: []controller.PostureQuery{
				{QueryType: "MAC", Timeout: -1},
			},
		}},
	}
}

func TestTickSendsChangedProbeBodyExactlyOnceWhenUnchanged(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())
	e.Tick(context.Background())

	if got := atomic.LoadInt32(&sub.bulkCalls); got != 1 {
		t.Fatalf("expected exactly 1 bulk submission for an unchanged body, got %d", got)
	}
}

func TestBulkNotFoundDegradesToPerItemPermanently(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{bulkErr: zerr.New(zerr.NotFound, "no route")}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())

	if got := atomic.LoadInt32(&sub.bulkCalls); got != 1 {
		t.Fatalf("expected 1 bulk attempt before degrading, got %d", got)
	}
	if got := atomic.LoadInt32(&sub.itemCalls); got != 1 {
		t.Fatalf("expected the fallback per-item submission, got %d", got)
	}
}

func TestStickyRetryResubmitsUnchangedBodyAfterServerError(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{bulkErr: zerr.New(zerr.Unspecified, "boom")}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())
	if got := atomic.LoadInt32(&sub.bulkCalls); got != 1 {
		t.Fatalf("expected 1 bulk attempt on first tick, got %d", got)
	}

	sub.bulkErr = nil
	e.Tick(context.Background())
	if got := atomic.LoadInt32(&sub.bulkCalls); got != 2 {
		t.Fatalf("expected the unchanged body to be retried after the prior error, got %d bulk calls", got)
	}
}

func TestInstanceChangeForcesResendOfUnchangedBody(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())
	e.OnInstanceChange()
	e.Tick(context.Background())

	if got := atomic.LoadInt32(&sub.bulkCalls); got != 2 {
		t.Fatalf("expected a resend after instance change, got %d bulk calls", got)
	}
}

func TestServiceTimeoutsTriggerCatalogForceRefresh(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{bulkServices: []controller.ServiceTimeout{{ID: "svc-1", TimeoutRemaining: 5}}}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if len(catalog.forceRefreshed) != 1 || catalog.forceRefreshed[0] != "svc-1" {
		t.Fatalf("expected svc-1 force-refreshed, got %v", catalog.forceRefreshed)
	}
	if catalog.refreshRequests != 1 {
		t.Fatalf("expected 1 general refresh request, got %d", catalog.refreshRequests)
	}
}

func TestFiniteTimeoutQueryResendsUnchangedBodyEveryTick(t *testing.T) {
	svc := macService()
	svc.PostureQueries[0].PostureQueries[0].Timeout = 600
	catalog := &fakeCatalog{services: []controller.Service{svc}}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())
	e.Tick(context.Background())

	// The controller's state for an expiring query times out, so the body
	// is volunteered again on every tick even though it never changed.
	if got := atomic.LoadInt32(&sub.bulkCalls); got != 2 {
		t.Fatalf("expected a submission per tick for a finite-timeout query, got %d", got)
	}
}

func TestSessionIDChangeForcesResendOfUnchangedBody(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{}

	var mu sync.Mutex
	sessionID := "sess-1"

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Session: func() (string, bool) {
			mu.Lock()
			defer mu.Unlock()
			return sessionID, sessionID != ""
		},
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())
	e.Tick(context.Background())
	if got := atomic.LoadInt32(&sub.bulkCalls); got != 1 {
		t.Fatalf("expected 1 submission while the session is stable, got %d", got)
	}

	mu.Lock()
	sessionID = "sess-2"
	mu.Unlock()
	e.Tick(context.Background())
	if got := atomic.LoadInt32(&sub.bulkCalls); got != 2 {
		t.Fatalf("expected a resend after the api session id changed, got %d bulk calls", got)
	}
}

func TestTickSkipsEntirelyWithoutSession(t *testing.T) {
	catalog := &fakeCatalog{services: []controller.Service{macService()}}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Session:    func() (string, bool) { return "", false },
		Overrides: posture.Overrides{
			MAC: func(ctx context.Context, reply probe.Reply) {
				reply(probe.MACReply{MacAddresses: []string{"aa:bb:cc:dd:ee:ff"}})
			},
		},
	})

	e.Tick(context.Background())

	if got := atomic.LoadInt32(&sub.bulkCalls) + atomic.LoadInt32(&sub.itemCalls); got != 0 {
		t.Fatalf("expected no submissions without an api session, got %d", got)
	}
}

func TestProcessMultiSharingAPathWithProcessYieldsOneEntry(t *testing.T) {
	const path = "/usr/bin/agent"
	svc := controller.Service{
		ID:   "svc-1",
		Name: "svc-1",
		PostureQueries: []controller.PostureQuerySet{{
			PolicyID: "pol-1",
			PostureQueries: []controller.PostureQuery{
				{QueryType: "PROCESS", Timeout: -1, Process: &controller.Process{Path: path}},
				{QueryType: "PROCESS_MULTI", Timeout: -1, Processes: []controller.Process{{Path: path}}},
			},
		}},
	}
	catalog := &fakeCatalog{services: []controller.Service{svc}}
	sub := &fakeSubmitter{}

	var probes int32
	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Overrides: posture.Overrides{
			Process: func(ctx context.Context, p string, reply probe.Reply) {
				atomic.AddInt32(&probes, 1)
				reply(probe.ProcessReply{Path: p, IsRunning: true, Hash: "abc"})
			},
		},
	})

	e.Tick(context.Background())

	if got := atomic.LoadInt32(&probes); got != 1 {
		t.Fatalf("expected one probe for the shared path, got %d", got)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.lastBulk) != 1 {
		t.Fatalf("expected one submitted item for the shared path, got %d", len(sub.lastBulk))
	}
	item := sub.lastBulk[0]
	if item.ID != path || item.TypeID != "PROCESS" || item.Path != path {
		t.Fatalf("unexpected process item: %+v", item)
	}
	if item.IsRunning == nil || !*item.IsRunning {
		t.Fatalf("expected isRunning=true on the wire, got %+v", item.IsRunning)
	}
}

func TestEndpointStateChangeSendsImmediatelyOutsideCache(t *testing.T) {
	catalog := &fakeCatalog{}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{Controller: sub, Catalog: catalog, Interval: time.Hour})
	e.EndpointStateChange(context.Background(), true, false)

	if got := atomic.LoadInt32(&sub.itemCalls); got != 1 {
		t.Fatalf("expected exactly 1 immediate posture-response, got %d", got)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	item := sub.lastItems[0]
	if item.ID != "0" || item.TypeID != "ENDPOINT_STATE" {
		t.Fatalf("unexpected endpoint-state item: %+v", item)
	}
	if item.Woken == nil || !*item.Woken || item.Unlocked == nil || *item.Unlocked {
		t.Fatalf("expected woken=true unlocked=false, got woken=%v unlocked=%v", item.Woken, item.Unlocked)
	}
}

func TestStartFiresAnImmediateTick(t *testing.T) {
	var ticks int32
	catalog := &fakeCatalog{}
	sub := &fakeSubmitter{}

	e := posture.New(posture.Config{
		Controller: sub,
		Catalog:    catalog,
		Interval:   time.Hour,
		Clock:      scheduler.RealClock,
	})
	_ = ticks

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Stop()
	}()

	time.Sleep(100 * time.Millisecond)

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	// A tick with no services consults Services() and submits nothing.
	if catalog.servicesCalls == 0 {
		t.Fatal("expected Start to run a tick that consults the catalog")
	}
	if sub.itemCalls != 0 || sub.bulkCalls != 0 {
		t.Fatalf("expected no submissions with an empty catalog, got item=%d bulk=%d", sub.itemCalls, sub.bulkCalls)
	}
}
