package catalog_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/openziti/edge-client-go/internal/zitictl/catalog"
	"github.com/openziti/edge-client-go/internal/zitictl/controller"
)

func TestParseStaticAcceptsWellFormedDocument(t *testing.T) {
	doc := []byte(`
services:
  - id: svc-1
    name: web
    postureQueries:
      - policyId: pol-1
        postureQueries:
          - queryType: MAC
            timeout: -1
`)
	services, err := catalog.ParseStatic(doc)
	if err != nil {
		t.Fatalf("ParseStatic: %v", err)
	}
	if len(services) != 1 || services[0].Name != "web" {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestParseStaticRejectsDocumentMissingRequiredFields(t *testing.T) {
	doc := []byte(`
services:
  - name: web
`)
	if _, err := catalog.ParseStatic(doc); err == nil {
		t.Fatal("expected schema validation to reject a service missing id")
	}
}

func TestLiveServicesMergesStaticOverlayOverController(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/authenticate":
			w.Write([]byte(`{"data":{"id":"s","token":"t"}}`))
		case "/services":
			w.Write([]byte(`{"meta":{"pagination":{"limit":25,"offset":0,"totalCount":1}},"data":[{"id":"svc-live","name":"live"}]}`))
		}
	}))
	defer srv.Close()

	ctrl := controller.New(controller.Config{BaseURL: srv.URL})
	if _, err := ctrl.Login(context.Background(), controller.LoginRequest{}); err != nil {
		t.Fatalf("login: %v", err)
	}

	live := catalog.NewLive(ctrl)
	live.LoadStatic([]controller.Service{{ID: "svc-static", Name: "static"}})

	services, err := live.Services(context.Background())
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services (1 live + 1 static), got %d", len(services))
	}
}

func TestLiveServicesCachesUntilInvalidated(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/authenticate":
			w.Write([]byte(`{"data":{"id":"s","token":"t"}}`))
		case "/services":
			atomic.AddInt32(&hits, 1)
			w.Write([]byte(`{"meta":{"pagination":{"limit":25,"offset":0,"totalCount":1}},"data":[{"id":"svc-1","name":"one"}]}`))
		}
	}))
	defer srv.Close()

	ctrl := controller.New(controller.Config{BaseURL: srv.URL})
	if _, err := ctrl.Login(context.Background(), controller.LoginRequest{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	live := catalog.NewLive(ctrl)

	for i := 0; i < 3; i++ {
		if _, err := live.Services(context.Background()); err != nil {
			t.Fatalf("services: %v", err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected 1 controller fetch while the cache is valid, got %d", got)
	}

	live.ForceRefreshService("svc-1")
	if _, err := live.Services(context.Background()); err != nil {
		t.Fatalf("services after force-refresh: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected a re-fetch after ForceRefreshService, got %d", got)
	}

	live.RequestRefresh()
	if _, err := live.Services(context.Background()); err != nil {
		t.Fatalf("services after refresh request: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected a re-fetch after RequestRefresh, got %d", got)
	}
}

func TestLiveRequestRefreshCoalescesBursts(t *testing.T) {
	live := catalog.NewLive(nil)
	live.RequestRefresh()
	live.RequestRefresh()
	live.RequestRefresh()

	if !live.RefreshRequested() {
		t.Fatal("expected a refresh to be pending")
	}
	if live.RefreshRequested() {
		t.Fatal("expected the refresh request to be drained after one read")
	}
}
