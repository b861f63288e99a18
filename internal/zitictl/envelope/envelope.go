// Package envelope parses the standard controller response envelope and
// maps server-reported error codes onto the internal error taxonomy
// (internal/zitictl/zerr). It is the one place that understands the wire
// shape { meta: { pagination }, data, error }.
package envelope

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

// Pagination mirrors the meta.pagination object the controller attaches to
// every paged list response.
type Pagination struct {
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
	TotalCount int `json:"totalCount"`
}

// Meta mirrors the envelope's meta object.
type Meta struct {
	Pagination Pagination `json:"pagination"`
}

// ServerError mirrors the envelope's optional error object.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the decoded shape of a non-plain-text controller response.
type Envelope struct {
	Meta  Meta            `json:"meta"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ServerError    `json:"error,omitempty"`
}

// codeTable is the fixed, process-wide server-code → internal Kind
// mapping. It is a read-only literal; no init-time mutation occurs.
var codeTable = map[string]zerr.Kind{
	"NOT_FOUND":                 zerr.NotFound,
	"CONTROLLER_UNAVAILABLE":    zerr.ControllerUnavailable,
	"NO_ROUTABLE_INGRESS_NODES": zerr.GatewayUnavailable,
	"NO_EDGE_ROUTERS_AVAILABLE": zerr.GatewayUnavailable,
	"INVALID_AUTHENTICATION":    zerr.AuthFailed,
	"REQUIRES_CERT_AUTH":        zerr.AuthFailed,
	"UNAUTHORIZED":              zerr.AuthFailed,
	"INVALID_AUTH":              zerr.AuthFailed,
	"INVALID_POSTURE":           zerr.InvalidPosture,
	"MFA_INVALID_TOKEN":         zerr.MFAInvalidToken,
	"MFA_EXISTS":                zerr.MFAExists,
	"MFA_NOT_ENROLLED":          zerr.MFANotEnrolled,
	"INVALID_ENROLLMENT_TOKEN":  zerr.JWTInvalid,
	"COULD_NOT_VALIDATE":        zerr.NotAuthorized,
}

// MapServerCode maps a server error.code string to an internal Kind. It is
// total over the table above: unknown, non-empty codes map to Unspecified
// (with a warning log so an operator notices a new server code that needs a
// mapping), and the absence of a code is OK.
func MapServerCode(code string) zerr.Kind {
	if code == "" {
		return zerr.OK
	}
	if kind, ok := codeTable[code]; ok {
		return kind
	}
	slog.Warn("envelope: unrecognized server error code", "code", code)
	return zerr.Unspecified
}

// Decode parses a controller response body into an Envelope.
//
// If parsing fails and status >= 300, a synthetic INVALID_STATE error carrying
// the HTTP status and its status text is returned; the taxonomy has no
// separate kind for an invalid controller response. If parsing succeeds and Error is present, its code is
// mapped to a *zerr.Error carrying the HTTP status. If parsing succeeds with
// no Error, the Envelope is returned with a nil error so the caller can hand
// Data to an operation-specific decoder.
func Decode(status int, body []byte) (*Envelope, *zerr.Error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status >= 300 {
			return nil, &zerr.Error{
				Kind:       zerr.InvalidState,
				HTTPStatus: status,
				Message:    http.StatusText(status),
			}
		}
		return nil, &zerr.Error{
			Kind:    zerr.InvalidState,
			Message: fmt.Sprintf("envelope: malformed response body: %v", err),
		}
	}

	if env.Error != nil {
		return &env, &zerr.Error{
			Kind:       MapServerCode(env.Error.Code),
			ServerCode: env.Error.Code,
			HTTPStatus: status,
			Message:    env.Error.Message,
		}
	}

	return &env, nil
}

// Encode serializes an Envelope back to wire bytes. Used by tests to produce
// canned responses; round-tripping Decode(Encode(e)) must preserve Data,
// Meta.Pagination, and Error.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}
