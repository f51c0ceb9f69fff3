package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewResultEchoesID(t *testing.T) {
	id := json.RawMessage(`7`)
	resp := NewResult(id, map[string]bool{"pong": true})

	if string(resp.ID) != "7" {
		t.Fatalf("expected id 7, got %s", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["error"]; ok {
		t.Fatal("a successful response must omit the error field entirely")
	}
}

func TestNewErrorEchoesID(t *testing.T) {
	id := json.RawMessage(`"abc"`)
	resp := NewError(id, CodeNotPermitted, "blocked by policy", map[string]string{"reason": "allowlist"})

	if string(resp.ID) != `"abc"` {
		t.Fatalf("expected id to be echoed, got %s", resp.ID)
	}
	if resp.Result != nil {
		t.Fatal("an error response must not also carry a result")
	}
	if resp.Error == nil || resp.Error.Code != CodeNotPermitted {
		t.Fatalf("expected CodeNotPermitted, got %+v", resp.Error)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["result"]; ok {
		t.Fatal("an error response must omit the result field entirely")
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	n := NewNotification("channel.message", map[string]string{"channel": "imsg"})
	if n.Method != "channel.message" {
		t.Fatalf("unexpected method %q", n.Method)
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["id"]; ok {
		t.Fatal("notifications must never carry an id field")
	}
}

func TestNullIDMarshalsToJSONNull(t *testing.T) {
	resp := NewResult(NullID, nil)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["id"]) != "null" {
		t.Fatalf("expected id null, got %s", decoded["id"])
	}
}
