// Package zitisdk is the embeddable facade over the edge client core: it
// wires the controller client, the live service catalog, and the posture
// engine into one object a host application constructs once per identity
// and drives for the lifetime of its connection to the overlay network.
package zitisdk

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/openziti/edge-client-go/internal/zitictl/catalog"
	"github.com/openziti/edge-client-go/internal/zitictl/controller"
	"github.com/openziti/edge-client-go/internal/zitictl/posture"
	"github.com/openziti/edge-client-go/internal/zitictl/posture/probe"
	"github.com/openziti/edge-client-go/internal/zitictl/scheduler"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

// Re-exported types so callers never need to import the internal packages
// directly.
type (
	Service             = controller.Service
	Session             = controller.Session
	Identity            = controller.Identity
	PostureQuery        = controller.PostureQuery
	PostureQuerySet     = controller.PostureQuerySet
	PostureResponseItem = controller.PostureResponseItem
	ProbeReply          = probe.Reply
	Error               = zerr.Error
	Kind                = zerr.Kind
	VersionInfo         = controller.VersionInfo
	APISession          = controller.APISession
	LoginRequest        = controller.LoginRequest
	EdgeRouter          = controller.EdgeRouter
	EnrollmentResponse  = controller.EnrollmentResponse
	MFAEnrollment       = controller.MFAEnrollment
)

// Error kind constants, re-exported for callers that branch on Kind.
const (
	KindOK                    = zerr.OK
	KindNotFound              = zerr.NotFound
	KindControllerUnavailable = zerr.ControllerUnavailable
	KindGatewayUnavailable    = zerr.GatewayUnavailable
	KindAuthFailed            = zerr.AuthFailed
	KindInvalidPosture        = zerr.InvalidPosture
	KindMFAInvalidToken       = zerr.MFAInvalidToken
	KindMFAExists             = zerr.MFAExists
	KindMFANotEnrolled        = zerr.MFANotEnrolled
	KindJWTInvalid            = zerr.JWTInvalid
	KindNotAuthorized         = zerr.NotAuthorized
	KindInvalidState          = zerr.InvalidState
	KindInvalidConfig         = zerr.InvalidConfig
	KindDisabled              = zerr.Disabled
	KindUnspecified           = zerr.Unspecified
)

// ProbeOverrides lets a host application substitute its own posture probe
// implementations, e.g. to source OS facts from an MDM agent instead of
// the local syscalls.
type ProbeOverrides struct {
	OS      func(ctx context.Context, reply ProbeReply)
	MAC     func(ctx context.Context, reply ProbeReply)
	Domain  func(ctx context.Context, reply ProbeReply)
	Process func(ctx context.Context, path string, reply ProbeReply)
}

// Config configures a Context.
type Config struct {
	// ControllerURL is the initial controller base URL.
	ControllerURL string
	// TLSConfig supplies the client certificate and trust roots used to
	// authenticate to the controller and verify its identity.
	TLSConfig *tls.Config
	// PageSize overrides the default pagination page size (25).
	PageSize int
	// PostureInterval is the posture engine's tick period.
	PostureInterval time.Duration
	// ProbeOverrides substitutes any subset of the default probes.
	ProbeOverrides ProbeOverrides
	// ProcessProbeConcurrency bounds how many process-hash probes run
	// concurrently in a single posture tick. Defaults to 4.
	ProcessProbeConcurrency int
	// StaticCatalog, when non-nil, is merged into (and takes priority
	// over) the controller's live service list — see
	// internal/zitictl/catalog's overlay semantics.
	StaticCatalog []byte
	// OnRedirect is called whenever the controller adopts a new base URL.
	OnRedirect func(newURL string)
}

// Context is one endpoint's live connection to a controller: its
// authenticated session, service catalog, and posture engine. Construct one
// per identity with New.
type Context struct {
	ctrl    *controller.Controller
	catalog *catalog.Live
	engine  *posture.Engine
}

// New constructs a Context. No network I/O occurs until Login is called.
func New(cfg Config) (*Context, error) {
	interval := cfg.PostureInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	concurrency := cfg.ProcessProbeConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	c := &Context{}

	ctrl := controller.New(controller.Config{
		BaseURL:          cfg.ControllerURL,
		TLSConfig:        cfg.TLSConfig,
		PageSize:         cfg.PageSize,
		RedirectObserver: cfg.OnRedirect,
		OnInstanceChange: func() {
			if c.engine != nil {
				c.engine.OnInstanceChange()
			}
		},
	})
	c.ctrl = ctrl

	live := catalog.NewLive(ctrl)
	if len(cfg.StaticCatalog) > 0 {
		services, err := catalog.ParseStatic(cfg.StaticCatalog)
		if err != nil {
			return nil, err
		}
		live.LoadStatic(services)
	}
	c.catalog = live

	c.engine = posture.New(posture.Config{
		Controller: ctrl,
		Catalog:    live,
		Interval:   interval,
		Overrides: posture.Overrides{
			OS:      cfg.ProbeOverrides.OS,
			MAC:     cfg.ProbeOverrides.MAC,
			Domain:  cfg.ProbeOverrides.Domain,
			Process: cfg.ProbeOverrides.Process,
		},
		WorkerPool: scheduler.NewWorkerPool(concurrency),
		Session: func() (string, bool) {
			id := ctrl.APISessionID()
			return id, id != ""
		},
	})

	return c, nil
}

// Version fetches the controller's reported version and adopts its API
// path prefix for all subsequent operations.
func (c *Context) Version(ctx context.Context) (*VersionInfo, error) {
	return c.ctrl.Version(ctx)
}

// Login authenticates to the controller and starts the posture engine's
// periodic tick. Login must succeed before any other operation except
// Version, Enroll, and WellKnownCerts.
func (c *Context) Login(ctx context.Context, req LoginRequest) (*APISession, error) {
	session, err := c.ctrl.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	c.engine.Start(ctx)
	return session, nil
}

// Logout ends the current session and stops the posture engine.
func (c *Context) Logout(ctx context.Context) error {
	c.engine.Stop()
	return c.ctrl.Logout(ctx)
}

// Close cancels every in-flight operation, stops the posture engine, and
// releases cached identity/URL state. The Context must not be used after
// Close.
func (c *Context) Close() {
	c.engine.Stop()
	c.ctrl.Close()
}

// Services lists every service visible to the current identity, merged
// with any configured static overlay.
func (c *Context) Services(ctx context.Context) ([]controller.Service, error) {
	return c.catalog.Services(ctx)
}

// Service looks up a single service by exact name via the live controller
// (the static overlay is not consulted for single lookups, matching the
// controller's own service-filter semantics).
func (c *Context) Service(ctx context.Context, name string) (*controller.Service, error) {
	return c.ctrl.Service(ctx, name)
}

// Dial creates a dial session for serviceID, the first step of connecting
// to an edge-routed service.
func (c *Context) Dial(ctx context.Context, serviceID string) (*controller.Session, error) {
	return c.ctrl.CreateSession(ctx, serviceID, "Dial")
}

// Bind creates a bind session for serviceID, the first step of hosting an
// edge-routed service.
func (c *Context) Bind(ctx context.Context, serviceID string) (*controller.Session, error) {
	return c.ctrl.CreateSession(ctx, serviceID, "Bind")
}

// EdgeRouters lists edge routers available to the current identity.
func (c *Context) EdgeRouters(ctx context.Context) ([]controller.EdgeRouter, error) {
	return c.ctrl.EdgeRouters(ctx)
}

// Enroll performs the enrollment handshake for method; see
// controller.Controller.Enroll.
func (c *Context) Enroll(ctx context.Context, method, token string, csr []byte) (*controller.EnrollmentResponse, error) {
	return c.ctrl.Enroll(ctx, method, token, csr)
}

// EndpointStateChange notifies the posture engine of a wake/unlock edge,
// triggering an immediate ENDPOINT_STATE posture submission.
func (c *Context) EndpointStateChange(ctx context.Context, woken, unlocked bool) {
	c.engine.EndpointStateChange(ctx, woken, unlocked)
}

// CurrentIdentity fetches the identity the session is authenticated as.
func (c *Context) CurrentIdentity(ctx context.Context) (*controller.Identity, error) {
	return c.ctrl.CurrentIdentity(ctx)
}

// ServicesUpdate asks the controller when the service catalog last changed,
// so a host can poll cheaply instead of re-listing services.
func (c *Context) ServicesUpdate(ctx context.Context) (*controller.ServicesUpdate, error) {
	return c.ctrl.ServicesUpdate(ctx)
}

// CurrentAPISession fetches the controller's view of the current session.
func (c *Context) CurrentAPISession(ctx context.Context) (*controller.APISession, error) {
	return c.ctrl.CurrentAPISession(ctx)
}

// Sessions lists every dial/bind session held by the current identity.
func (c *Context) Sessions(ctx context.Context) ([]controller.Session, error) {
	return c.ctrl.Sessions(ctx)
}

// Session looks up a single session by id.
func (c *Context) Session(ctx context.Context, id string) (*controller.Session, error) {
	return c.ctrl.Session(ctx, id)
}

// WellKnownCerts fetches the controller's PKCS#7 CA bundle.
func (c *Context) WellKnownCerts(ctx context.Context) ([]byte, error) {
	return c.ctrl.WellKnownCerts(ctx)
}

// ExtendCertAuth requests a renewed client certificate for authenticatorID;
// the returned certificate must be confirmed with VerifyExtendCertAuth
// before the controller invalidates the old one.
func (c *Context) ExtendCertAuth(ctx context.Context, authenticatorID string, csrPEM []byte) (*controller.ExtendCertAuthResult, error) {
	return c.ctrl.ExtendCertAuth(ctx, authenticatorID, csrPEM)
}

// VerifyExtendCertAuth completes a certificate rotation begun by
// ExtendCertAuth.
func (c *Context) VerifyExtendCertAuth(ctx context.Context, authenticatorID string, clientCertPEM []byte) error {
	return c.ctrl.VerifyExtendCertAuth(ctx, authenticatorID, clientCertPEM)
}

// CreateAPICert requests a short-lived client certificate bound to the
// current API session.
func (c *Context) CreateAPICert(ctx context.Context, csrPEM []byte) (*controller.APICert, error) {
	return c.ctrl.CreateAPICert(ctx, csrPEM)
}

// MFAEnroll begins TOTP MFA enrollment for the current identity.
func (c *Context) MFAEnroll(ctx context.Context) (*controller.MFAEnrollment, error) {
	return c.ctrl.MFAEnroll(ctx)
}

// MFAVerify completes MFA enrollment with the first valid TOTP code.
func (c *Context) MFAVerify(ctx context.Context, code string) error {
	return c.ctrl.MFAVerify(ctx, code)
}

// MFALogin submits a TOTP (or recovery) code for an MFA-pending session.
func (c *Context) MFALogin(ctx context.Context, code string) error {
	return c.ctrl.MFALogin(ctx, code)
}

// MFADelete removes MFA enrollment from the current identity.
func (c *Context) MFADelete(ctx context.Context, code string) error {
	return c.ctrl.MFADelete(ctx, code)
}

// MFARecoveryCodes fetches a fresh recovery-code set, invalidating the
// previous one.
func (c *Context) MFARecoveryCodes(ctx context.Context, code string) (*controller.MFARecoveryCodes, error) {
	return c.ctrl.MFARecoveryCodes(ctx, code)
}
