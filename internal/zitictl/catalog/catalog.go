// Package catalog implements the service catalog the posture engine
// consults for its required-probe set, backed by the live controller
// client. It also offers an additive static loader (ParseStatic, fed from
// zitisdk.Config.StaticCatalog) for host applications that want to seed or
// override the catalog from a local YAML file — for offline testing, or for
// endpoints that dial a fixed service set before the controller connection
// is up — validated against a JSON schema before being trusted.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/openziti/edge-client-go/internal/zitictl/controller"
)

// schemaSource is the JSON Schema a static catalog file must satisfy before
// its services are trusted. Kept as a Go literal rather than an embedded
// file since the catalog format is small and internal to this module.
const schemaSource = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["services"],
	"properties": {
		"services": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"postureQueries": {"type": "array"}
				}
			}
		}
	}
}`

var compiledSchema = sync.OnceValue(func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", strings.NewReader(schemaSource)); err != nil {
		panic(fmt.Sprintf("catalog: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		panic(fmt.Sprintf("catalog: schema compile failed: %v", err))
	}
	return schema
})

// StaticDocument is the YAML shape a static catalog file is parsed into
// before JSON-schema validation and conversion to []controller.Service.
type StaticDocument struct {
	Services []StaticService `yaml:"services" json:"services"`
}

// StaticService mirrors controller.Service for YAML authoring convenience.
type StaticService struct {
	ID             string                       `yaml:"id" json:"id"`
	Name           string                       `yaml:"name" json:"name"`
	PostureQueries []controller.PostureQuerySet `yaml:"postureQueries,omitempty" json:"postureQueries,omitempty"`
}

// ParseStatic parses and validates a static catalog document. The document
// is first decoded as YAML, then re-marshaled to JSON and validated against
// the catalog schema, so authors get schema errors in terms of the
// document's JSON shape regardless of the YAML syntax used to write it.
func ParseStatic(data []byte) ([]controller.Service, error) {
	var doc StaticDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("catalog: re-encode as json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return nil, fmt.Errorf("catalog: decode json for validation: %w", err)
	}
	if err := compiledSchema().Validate(generic); err != nil {
		return nil, fmt.Errorf("catalog: schema validation failed: %w", err)
	}

	out := make([]controller.Service, 0, len(doc.Services))
	for _, s := range doc.Services {
		out = append(out, controller.Service{ID: s.ID, Name: s.Name, PostureQueries: s.PostureQueries})
	}
	return out, nil
}

// Live is the posture.ServiceCatalog backed by the controller client's
// Services operation. The live list is fetched once and then served from
// cache; ForceRefreshService and RequestRefresh invalidate the cache so the
// next Services call re-fetches. It additionally accepts a static overlay
// (from ParseStatic) whose entries win over the live result for any id they
// share.
type Live struct {
	mu      sync.Mutex
	ctrl    *controller.Controller
	overlay map[string]controller.Service
	refresh chan struct{}
	forced  map[string]bool
	cached  []controller.Service
	valid   bool
}

// NewLive constructs a Live catalog over ctrl.
func NewLive(ctrl *controller.Controller) *Live {
	return &Live{
		ctrl:    ctrl,
		overlay: make(map[string]controller.Service),
		refresh: make(chan struct{}, 1),
		forced:  make(map[string]bool),
	}
}

// LoadStatic installs a static overlay parsed by ParseStatic; these entries
// are merged into (and take priority over) the controller's live service
// list on every Services call.
func (l *Live) LoadStatic(services []controller.Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overlay = make(map[string]controller.Service, len(services))
	for _, s := range services {
		l.overlay[s.ID] = s
	}
}

// Services returns the service table the posture engine walks: the
// controller's live service list merged with any static overlay. The live
// list is served from cache until a service id has been force-marked or a
// general refresh was requested; either invalidates the cache and this call
// re-fetches from the controller.
func (l *Live) Services(ctx context.Context) ([]controller.Service, error) {
	l.mu.Lock()
	stale := !l.valid || len(l.forced) > 0
	l.mu.Unlock()
	if l.RefreshRequested() {
		stale = true
	}

	if stale {
		live, err := l.ctrl.Services(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cached = live
		l.valid = true
		l.forced = make(map[string]bool)
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byID := make(map[string]controller.Service, len(l.cached)+len(l.overlay))
	for _, s := range l.cached {
		byID[s.ID] = s
	}
	for id, s := range l.overlay {
		byID[id] = s
	}

	out := make([]controller.Service, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out, nil
}

// ForceRefreshService invalidates the cached entry for a service whose
// posture timeout the controller reported as expiring; the next Services
// call re-fetches the live list.
func (l *Live) ForceRefreshService(id string) {
	l.mu.Lock()
	l.forced[id] = true
	l.mu.Unlock()
}

// RequestRefresh signals a general service-catalog refresh is due; the next
// Services call consumes the signal and re-fetches. The channel is buffered
// 1: a burst of requests coalesces into a single pending refresh.
func (l *Live) RequestRefresh() {
	select {
	case l.refresh <- struct{}{}:
	default:
	}
}

// RefreshRequested drains and reports whether a refresh was requested since
// the last call.
func (l *Live) RefreshRequested() bool {
	select {
	case <-l.refresh:
		return true
	default:
		return false
	}
}
