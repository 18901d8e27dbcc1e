package upstream

import (
	"testing"
)

func TestSignRequest_Deterministic(t *testing.T) {
	a, err := SignRequest("hello", "user-1", 1700000000000, "req-1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	b, err := SignRequest("hello", "user-1", 1700000000000, "req-1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if a.Value != b.Value {
		t.Errorf("same inputs must sign identically: %s vs %s", a.Value, b.Value)
	}
	if a.RequestID != "req-1" {
		t.Errorf("expected requestID passthrough, got %s", a.RequestID)
	}
	if a.Timestamp != 1700000000000 {
		t.Errorf("expected timestamp passthrough, got %d", a.Timestamp)
	}
}

func TestSignRequest_HexOutput(t *testing.T) {
	sig, err := SignRequest("prompt", "uid", 1700000000000, "rid")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig.Value) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d", len(sig.Value))
	}
	for _, c := range sig.Value {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex character %q in signature", c)
		}
	}
}

func TestSignRequest_GeneratesRequestID(t *testing.T) {
	sig, err := SignRequest("prompt", "uid", 1700000000000, "")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if sig.RequestID == "" {
		t.Error("empty requestID must be replaced with a generated one")
	}
}

func TestSignRequest_InputSensitivity(t *testing.T) {
	base, _ := SignRequest("prompt", "uid", 1700000000000, "rid")

	tests := []struct {
		name      string
		prompt    string
		userID    string
		timestamp int64
	}{
		{"different prompt", "other prompt", "uid", 1700000000000},
		{"different user", "prompt", "uid-2", 1700000000000},
		{"different timestamp", "prompt", "uid", 1700000000001},
		{"different window", "prompt", "uid", 1700000000000 + 300_001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := SignRequest(tt.prompt, tt.userID, tt.timestamp, "rid")
			if err != nil {
				t.Fatalf("sign failed: %v", err)
			}
			if sig.Value == base.Value {
				t.Error("signature did not change with input")
			}
		})
	}
}
