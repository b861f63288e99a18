package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

// VersionInfo is the decoded data payload of GET /version.
type VersionInfo struct {
	Version     string                     `json:"version"`
	APIVersions map[string]map[string]struct {
		Path string `json:"path"`
	} `json:"api_versions"`
}

// Version calls GET /version, caching the reported version string and
// adopting api_versions.edge["v1"].path as the path prefix used by every
// subsequent operation.
func (c *Controller) Version(ctx context.Context) (*VersionInfo, error) {
	res := c.do(ctx, "version", http.MethodGet, "/version", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var info VersionInfo
	if len(res.env.Data) > 0 {
		if err := json.Unmarshal(res.env.Data, &info); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("version: decode data: %v", err))
		}
	}

	c.mu.Lock()
	c.version = info.Version
	if edge, ok := info.APIVersions["edge"]; ok {
		if v1, ok := edge["v1"]; ok {
			c.apiVersionPrefix = v1.Path
		}
	}
	c.mu.Unlock()

	return &info, nil
}

// LoginRequest is the body of POST /authenticate?method=cert.
type LoginRequest struct {
	SDKInfo     map[string]string `json:"sdkInfo,omitempty"`
	EnvInfo     map[string]string `json:"envInfo,omitempty"`
	ConfigTypes []string          `json:"configTypes,omitempty"`
}

// APISession is the decoded data payload of a successful login.
type APISession struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Login performs certificate authentication and stores the returned token
// so it is attached as zt-session on every subsequent request.
func (c *Controller) Login(ctx context.Context, req LoginRequest) (*APISession, error) {
	res := c.do(ctx, "login", http.MethodPost, "/authenticate?method=cert", req, false)
	if res.err != nil {
		return nil, res.err
	}
	var session APISession
	if err := json.Unmarshal(res.env.Data, &session); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("login: decode data: %v", err))
	}
	c.setSession(session.Token, session.ID)
	return &session, nil
}

// CurrentAPISession calls GET /current-api-session.
func (c *Controller) CurrentAPISession(ctx context.Context) (*APISession, error) {
	res := c.do(ctx, "current-api-session", http.MethodGet, "/current-api-session", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var session APISession
	if err := json.Unmarshal(res.env.Data, &session); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("current-api-session: decode data: %v", err))
	}
	return &session, nil
}

// Logout calls DELETE /current-api-session and clears the session token
// regardless of the result.
func (c *Controller) Logout(ctx context.Context) error {
	res := c.do(ctx, "logout", http.MethodDelete, "/current-api-session", nil, false)
	c.clearSession()
	if res.err != nil {
		return res.err
	}
	return nil
}

// Identity is the decoded data payload of GET /current-identity.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CurrentIdentity calls GET /current-identity.
func (c *Controller) CurrentIdentity(ctx context.Context) (*Identity, error) {
	res := c.do(ctx, "current-identity", http.MethodGet, "/current-identity", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var id Identity
	if err := json.Unmarshal(res.env.Data, &id); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("current-identity: decode data: %v", err))
	}
	return &id, nil
}

// ServicesUpdate is the decoded data payload of
// GET /current-api-session/service-updates.
type ServicesUpdate struct {
	LastChangeAt string `json:"lastChangeAt"`
}

// ServicesUpdate calls GET /current-api-session/service-updates.
func (c *Controller) ServicesUpdate(ctx context.Context) (*ServicesUpdate, error) {
	res := c.do(ctx, "services-update", http.MethodGet, "/current-api-session/service-updates", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var upd ServicesUpdate
	if len(res.env.Data) > 0 {
		if err := json.Unmarshal(res.env.Data, &upd); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("services-update: decode data: %v", err))
		}
	}
	return &upd, nil
}

// Service is a single service record as returned by the services listing
// and lookup operations.
type Service struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	PostureQueries []PostureQuerySet `json:"postureQueries,omitempty"`
}

// PostureQuerySet is one named posture-policy requirement attached to a
// service.
type PostureQuerySet struct {
	PolicyID       string         `json:"policyId" yaml:"policyId"`
	PostureQueries []PostureQuery `json:"postureQueries" yaml:"postureQueries"`
}

// PostureQuery is a single posture check requirement.
type PostureQuery struct {
	QueryType string    `json:"queryType" yaml:"queryType"` // "OS", "MAC", "DOMAIN", "PROCESS", "PROCESS_MULTI"
	Timeout   int       `json:"timeout"`   // -1 means no expiry
	Process   *Process  `json:"process,omitempty"`
	Processes []Process `json:"processes,omitempty"`
}

// Process names one executable a PROCESS or PROCESS_MULTI query cares about.
type Process struct {
	Path string `json:"path"`
}

// Services lists every service visible to the current identity, paged.
func (c *Controller) Services(ctx context.Context) ([]Service, error) {
	raw, zerrOut := c.paginate(ctx, "services", "/services")
	if zerrOut != nil {
		return nil, zerrOut
	}
	return decodeServiceList(raw)
}

// EdgeRouter is a single edge router record.
type EdgeRouter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EdgeRouters lists edge routers available to the current identity, paged.
func (c *Controller) EdgeRouters(ctx context.Context) ([]EdgeRouter, error) {
	raw, zerrOut := c.paginate(ctx, "edge-routers", "/current-identity/edge-routers")
	if zerrOut != nil {
		return nil, zerrOut
	}
	out := make([]EdgeRouter, 0, len(raw))
	for _, r := range raw {
		var er EdgeRouter
		if err := json.Unmarshal(r, &er); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("edge-routers: decode element: %v", err))
		}
		out = append(out, er)
	}
	return out, nil
}

// Service looks up a single service by exact name.
func (c *Controller) Service(ctx context.Context, name string) (*Service, error) {
	filter := fmt.Sprintf(`name="%s"`, name)
	path := "/services?" + url.Values{"filter": {filter}}.Encode()
	res := c.do(ctx, "service", http.MethodGet, path, nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var list []Service
	if len(res.env.Data) > 0 {
		if err := json.Unmarshal(res.env.Data, &list); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("service: decode data: %v", err))
		}
	}
	if len(list) == 0 {
		return nil, zerr.New(zerr.NotFound, fmt.Sprintf("no service named %q", name))
	}
	return &list[0], nil
}

// Session is a per-service dial/bind session.
type Session struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`
	Type      string `json:"type"`
	Token     string `json:"token"`
}

// Session looks up a single session by id.
func (c *Controller) Session(ctx context.Context, id string) (*Session, error) {
	res := c.do(ctx, "session", http.MethodGet, "/sessions/"+url.PathEscape(id), nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var s Session
	if err := json.Unmarshal(res.env.Data, &s); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("session: decode data: %v", err))
	}
	return &s, nil
}

// CreateSession creates a dial or bind session for serviceID.
func (c *Controller) CreateSession(ctx context.Context, serviceID, sessionType string) (*Session, error) {
	body := map[string]string{"serviceId": serviceID, "type": sessionType}
	res := c.do(ctx, "create-session", http.MethodPost, "/sessions", body, false)
	if res.err != nil {
		return nil, res.err
	}
	var s Session
	if err := json.Unmarshal(res.env.Data, &s); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("create-session: decode data: %v", err))
	}
	return &s, nil
}

// Sessions lists every session for the current identity, paged.
func (c *Controller) Sessions(ctx context.Context) ([]Session, error) {
	raw, zerrOut := c.paginate(ctx, "sessions", "/sessions")
	if zerrOut != nil {
		return nil, zerrOut
	}
	out := make([]Session, 0, len(raw))
	for _, r := range raw {
		var s Session
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("sessions: decode element: %v", err))
		}
		out = append(out, s)
	}
	return out, nil
}

// EnrollmentResponse carries the issued certificate (or other enrollment
// artifact) returned by Enroll.
type EnrollmentResponse struct {
	Cert []byte
}

// Enroll performs the enrollment handshake for method (e.g. "ott", "ottca",
// "updb"). When csr is non-empty the request is sent as text/plain (CSR
// enrollment); otherwise as application/json.
func (c *Controller) Enroll(ctx context.Context, method, token string, csr []byte) (*EnrollmentResponse, error) {
	path := fmt.Sprintf("/enroll?method=%s&token=%s", url.QueryEscape(method), url.QueryEscape(token))
	var body any
	if len(csr) > 0 {
		body = string(csr)
	}
	res := c.do(ctx, "enroll", http.MethodPost, path, body, len(csr) > 0)
	if res.err != nil {
		return nil, res.err
	}
	if len(csr) > 0 {
		return &EnrollmentResponse{Cert: res.body}, nil
	}
	return &EnrollmentResponse{Cert: res.env.Data}, nil
}

// WellKnownCerts fetches the PKCS#7-encoded CA bundle from
// GET /.well-known/est/cacerts. The response is plain text, passed through
// unparsed.
func (c *Controller) WellKnownCerts(ctx context.Context) ([]byte, error) {
	res := c.do(ctx, "well-known-certs", http.MethodGet, "/.well-known/est/cacerts", nil, true)
	if res.err != nil {
		return nil, res.err
	}
	return res.body, nil
}
