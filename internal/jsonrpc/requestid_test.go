package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIDKeepsWireType(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := msg.ID.Value().(string); !ok {
		t.Fatalf("string id decoded as %T", msg.ID.Value())
	}

	res, err := NewResultResponse(msg.ID, struct{}{})
	if err != nil {
		t.Fatalf("result response: %v", err)
	}
	b, _ := json.Marshal(res)
	if got, want := string(b), `{"jsonrpc":"2.0","result":{},"id":"1"}`; got != want {
		t.Fatalf("wire = %s, want %s", got, want)
	}
}

func TestRequestIDNumeric(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := msg.ID.Value().(int64); !ok || v != 42 {
		t.Fatalf("numeric id = %#v", msg.ID.Value())
	}
	if msg.Type() != "request" {
		t.Fatalf("type = %q", msg.Type())
	}
}

func TestErrorResponseWithoutIDSerializesNull(t *testing.T) {
	res := NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil)
	b, _ := json.Marshal(res)
	if got, want := string(b), `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`; got != want {
		t.Fatalf("wire = %s, want %s", got, want)
	}
}

func TestNotificationDetection(t *testing.T) {
	req, err := NewRequest(nil, "notifications/initialized", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if !req.IsNotification() {
		t.Fatalf("expected notification")
	}
}

func TestErrorIsAnError(t *testing.T) {
	var err error = NewError(ErrorCodeRateLimitExceeded, "rate limit exceeded", nil)
	rpcErr, ok := AsError(err)
	if !ok || rpcErr.Code != ErrorCodeRateLimitExceeded {
		t.Fatalf("AsError = %v, %v", rpcErr, ok)
	}
}
