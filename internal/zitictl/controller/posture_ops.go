package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

func decodeServiceList(raw []json.RawMessage) ([]Service, error) {
	out := make([]Service, 0, len(raw))
	for _, r := range raw {
		var s Service
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("services: decode element: %v", err))
		}
		out = append(out, s)
	}
	return out, nil
}

// PostureResponseItem is one posture answer. The wire shape is flat and
// discriminated by TypeID: only the fields belonging to that type are
// populated by callers, the rest stay at their zero value and are omitted
// from the encoding. Bool fields are pointers so that an explicit false
// (a process that is not running, an endpoint that is not unlocked) still
// reaches the wire.
type PostureResponseItem struct {
	ID     string `json:"id"`
	TypeID string `json:"typeId"` // "OS", "MAC", "DOMAIN", "PROCESS", "ENDPOINT_STATE"

	// OS
	OSType  string `json:"type,omitempty"`
	Version string `json:"version,omitempty"`
	Build   string `json:"build,omitempty"`

	// MAC
	MacAddresses []string `json:"macAddresses,omitempty"`

	// DOMAIN
	Domain string `json:"domain,omitempty"`

	// PROCESS
	Path      string   `json:"path,omitempty"`
	IsRunning *bool    `json:"isRunning,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Signers   []string `json:"signers,omitempty"`

	// ENDPOINT_STATE
	Woken    *bool `json:"woken,omitempty"`
	Unlocked *bool `json:"unlocked,omitempty"`
}

// Bool returns a pointer to b for the optional bool fields above.
func Bool(b bool) *bool { return &b }

// PostureResponse submits a single posture answer via
// POST /posture-response.
func (c *Controller) PostureResponse(ctx context.Context, item PostureResponseItem) error {
	res := c.do(ctx, "posture-response", http.MethodPost, "/posture-response", item, false)
	if res.err != nil {
		return res.err
	}
	return nil
}

// ServiceTimeout reports a service's remaining posture-timeout window, as
// returned alongside a successful bulk posture submission.
type ServiceTimeout struct {
	ID               string `json:"id"`
	Timeout          int    `json:"timeout"`
	TimeoutRemaining int    `json:"timeoutRemaining"`
}

// PostureResponseBulk submits every item in one request via
// POST /posture-response-bulk. Once the controller answers NotFound for
// this operation, bulkUnsupported is latched so every future call returns
// zerr.NotFound immediately without a round trip, and the posture engine
// falls back to PostureResponse per item. On success, any services the
// controller reports alongside the submission (with a
// timeout/timeoutRemaining) are returned for the caller to force-refresh
// in the service catalog.
func (c *Controller) PostureResponseBulk(ctx context.Context, items []PostureResponseItem) ([]ServiceTimeout, error) {
	c.mu.Lock()
	unsupported := c.bulkUnsupported
	c.mu.Unlock()
	if unsupported {
		return nil, zerr.New(zerr.NotFound, "posture-response-bulk previously reported unsupported")
	}

	res := c.do(ctx, "posture-response-bulk", http.MethodPost, "/posture-response-bulk", items, false)
	if res.err != nil {
		if res.err.Kind == zerr.NotFound {
			c.mu.Lock()
			c.bulkUnsupported = true
			c.mu.Unlock()
		}
		return nil, res.err
	}

	var payload struct {
		Services []ServiceTimeout `json:"services"`
	}
	if len(res.env.Data) > 0 {
		if err := json.Unmarshal(res.env.Data, &payload); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("posture-response-bulk: decode data: %v", err))
		}
	}
	return payload.Services, nil
}

// MFAEnrollment is the decoded data payload of POST /current-identity/mfa.
type MFAEnrollment struct {
	ProvisioningURL string   `json:"provisioningUrl"`
	RecoveryCodes   []string `json:"recoveryCodes"`
}

// MFAEnroll begins TOTP MFA enrollment.
func (c *Controller) MFAEnroll(ctx context.Context) (*MFAEnrollment, error) {
	res := c.do(ctx, "mfa-enroll", http.MethodPost, "/current-identity/mfa", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var enr MFAEnrollment
	if err := json.Unmarshal(res.env.Data, &enr); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("mfa-enroll: decode data: %v", err))
	}
	return &enr, nil
}

// MFAVerify completes enrollment by posting the first valid TOTP code.
func (c *Controller) MFAVerify(ctx context.Context, code string) error {
	body := map[string]string{"code": code}
	res := c.do(ctx, "mfa-verify", http.MethodPost, "/current-identity/mfa/verify", body, false)
	if res.err != nil {
		return res.err
	}
	return nil
}

// MFALogin submits a TOTP (or recovery) code against an already-authenticated
// but MFA-pending session.
func (c *Controller) MFALogin(ctx context.Context, code string) error {
	body := map[string]string{"code": code}
	res := c.do(ctx, "mfa-login", http.MethodPost, "/authenticate/mfa", body, false)
	if res.err != nil {
		return res.err
	}
	return nil
}

// MFAGet fetches the current identity's MFA enrollment status.
func (c *Controller) MFAGet(ctx context.Context) (*MFAEnrollment, error) {
	res := c.do(ctx, "mfa-get", http.MethodGet, "/current-identity/mfa", nil, false)
	if res.err != nil {
		return nil, res.err
	}
	var enr MFAEnrollment
	if len(res.env.Data) > 0 {
		if err := json.Unmarshal(res.env.Data, &enr); err != nil {
			return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("mfa-get: decode data: %v", err))
		}
	}
	return &enr, nil
}

// MFADelete removes MFA enrollment from the current identity.
func (c *Controller) MFADelete(ctx context.Context, code string) error {
	path := "/current-identity/mfa"
	if code != "" {
		path = buildQuery(path, map[string][]string{"code": {code}})
	}
	res := c.do(ctx, "mfa-delete", http.MethodDelete, path, nil, false)
	if res.err != nil {
		return res.err
	}
	return nil
}

// MFARecoveryCodes is the decoded data payload of GET
// /current-identity/mfa/recovery-codes.
type MFARecoveryCodes struct {
	RecoveryCodes []string `json:"recoveryCodes"`
}

// MFARecoveryCodes fetches a fresh set of recovery codes, invalidating the
// previous set.
func (c *Controller) MFARecoveryCodes(ctx context.Context, code string) (*MFARecoveryCodes, error) {
	body := map[string]string{"code": code}
	res := c.do(ctx, "mfa-recovery-codes", http.MethodPost, "/current-identity/mfa/recovery-codes", body, false)
	if res.err != nil {
		return nil, res.err
	}
	var rc MFARecoveryCodes
	if err := json.Unmarshal(res.env.Data, &rc); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("mfa-recovery-codes: decode data: %v", err))
	}
	return &rc, nil
}

// ExtendCertAuthResult carries the client certificate produced by an
// extend-cert-auth exchange, pending verification.
type ExtendCertAuthResult struct {
	ClientCert string `json:"clientCert"`
}

// ExtendCertAuth requests a renewed client certificate for the current
// identity's authenticator by submitting a PEM-encoded CSR.
func (c *Controller) ExtendCertAuth(ctx context.Context, authenticatorID string, csrPEM []byte) (*ExtendCertAuthResult, error) {
	body := map[string]string{"clientCertCsr": string(csrPEM)}
	path := fmt.Sprintf("/current-identity/authenticators/%s/extend", authenticatorID)
	res := c.do(ctx, "extend-cert-auth", http.MethodPost, path, body, false)
	if res.err != nil {
		return nil, res.err
	}
	var out ExtendCertAuthResult
	if err := json.Unmarshal(res.env.Data, &out); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("extend-cert-auth: decode data: %v", err))
	}
	return &out, nil
}

// VerifyExtendCertAuth confirms the extended certificate is usable,
// completing the rotation and invalidating the prior certificate.
func (c *Controller) VerifyExtendCertAuth(ctx context.Context, authenticatorID string, clientCertPEM []byte) error {
	body := map[string]string{"clientCert": string(clientCertPEM)}
	path := fmt.Sprintf("/current-identity/authenticators/%s/extend-verify", authenticatorID)
	res := c.do(ctx, "verify-extend-cert-auth", http.MethodPost, path, body, false)
	if res.err != nil {
		return res.err
	}
	return nil
}

// CreateAPICert requests a short-lived client certificate bound to the
// current API session, used by transports that authenticate to edge
// routers directly.
type CreateAPICert struct {
	CSR string `json:"csr"`
}

// APICert is the decoded data payload of a CreateAPICert call.
type APICert struct {
	Cert string `json:"certificate"`
	CA   string `json:"ca,omitempty"`
}

// CreateAPICert submits csrPEM and returns the signed certificate.
func (c *Controller) CreateAPICert(ctx context.Context, csrPEM []byte) (*APICert, error) {
	body := CreateAPICert{CSR: string(csrPEM)}
	res := c.do(ctx, "create-api-cert", http.MethodPost, "/current-api-session/certificates", body, false)
	if res.err != nil {
		return nil, res.err
	}
	var cert APICert
	if err := json.Unmarshal(res.env.Data, &cert); err != nil {
		return nil, zerr.New(zerr.InvalidState, fmt.Sprintf("create-api-cert: decode data: %v", err))
	}
	return &cert, nil
}
