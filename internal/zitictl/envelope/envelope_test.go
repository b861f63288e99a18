package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/openziti/edge-client-go/internal/zitictl/envelope"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
)

func TestMapServerCodeTableIsTotalAndDeterministic(t *testing.T) {
	cases := map[string]zerr.Kind{
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

		"":                               zerr.OK,
		"SOME_NEW_CODE_NOBODY_KNOWS_YET": zerr.Unspecified,
	}
	for code, want := range cases {
		if got := envelope.MapServerCode(code); got != want {
			t.Errorf("MapServerCode(%q) = %v, want %v", code, got, want)
		}
		// Deterministic: calling twice yields the same answer.
		if got2 := envelope.MapServerCode(code); got2 != envelope.MapServerCode(code) {
			t.Errorf("MapServerCode(%q) not deterministic: %v vs %v", code, got2, envelope.MapServerCode(code))
		}
	}
}

func TestDecodeSynthesizesErrorOnUnparseableBodyWithErrorStatus(t *testing.T) {
	_, zerrOut := envelope.Decode(503, []byte("not json"))
	if zerrOut == nil {
		t.Fatal("expected a synthesized error")
	}
	if zerrOut.HTTPStatus != 503 {
		t.Fatalf("expected http status 503, got %d", zerrOut.HTTPStatus)
	}
}

func TestDecodeMapsEnvelopeErrorCode(t *testing.T) {
	body := []byte(`{"meta":{"pagination":{"limit":25,"offset":0,"totalCount":0}},"error":{"code":"UNAUTHORIZED","message":"nope"}}`)
	env, zerrOut := envelope.Decode(401, body)
	if env == nil {
		t.Fatal("expected a parsed envelope even when error is present")
	}
	if zerrOut == nil || zerrOut.Kind != zerr.AuthFailed {
		t.Fatalf("expected AuthFailed, got %+v", zerrOut)
	}
	if zerrOut.ServerCode != "UNAUTHORIZED" {
		t.Fatalf("expected server code preserved, got %q", zerrOut.ServerCode)
	}
	if zerrOut.HTTPStatus != 401 {
		t.Fatalf("expected http status 401, got %d", zerrOut.HTTPStatus)
	}
}

func TestDecodeWithDataAndNoErrorReturnsNilError(t *testing.T) {
	body := []byte(`{"meta":{"pagination":{"limit":25,"offset":0,"totalCount":1}},"data":{"id":"x"}}`)
	env, zerrOut := envelope.Decode(200, body)
	if zerrOut != nil {
		t.Fatalf("expected no error, got %v", zerrOut)
	}
	if string(env.Data) != `{"id":"x"}` {
		t.Fatalf("unexpected data: %s", env.Data)
	}
}

func TestEncodeDecodeRoundTripPreservesDataMetaAndError(t *testing.T) {
	original := &envelope.Envelope{
		Meta: envelope.Meta{Pagination: envelope.Pagination{Limit: 25, Offset: 50, TotalCount: 57}},
		Data: json.RawMessage(`{"hello":"world"}`),
		Error: &envelope.ServerError{
			Code:    "NOT_FOUND",
			Message: "no such thing",
		},
	}

	encoded, err := envelope.Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Decode bypasses its own status>=300 special-casing here since the
	// body parses cleanly; status is irrelevant to the round-trip property.
	decoded, zerrOut := envelope.Decode(404, encoded)
	if decoded == nil {
		t.Fatalf("decode failed unexpectedly: %v", zerrOut)
	}
	if decoded.Meta.Pagination != original.Meta.Pagination {
		t.Fatalf("pagination not preserved: got %+v, want %+v", decoded.Meta.Pagination, original.Meta.Pagination)
	}
	if string(decoded.Data) != string(original.Data) {
		t.Fatalf("data not preserved: got %s, want %s", decoded.Data, original.Data)
	}
	if decoded.Error == nil || *decoded.Error != *original.Error {
		t.Fatalf("error not preserved: got %+v, want %+v", decoded.Error, original.Error)
	}
	if zerrOut == nil || zerrOut.Kind != zerr.NotFound {
		t.Fatalf("expected mapped NotFound kind, got %+v", zerrOut)
	}
}
