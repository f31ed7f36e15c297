package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeRequestVariants(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Request
		wantErr bool
	}{
		{name: "listen to events", frame: `{"type":"ListenToEvents"}`, want: ListenToEvents{}},
		{name: "listen to build change", frame: `{"type":"ListenToBuildChange"}`, want: ListenToBuildChange{}},
		{name: "client closed", frame: `{"type":"ClientClosed"}`, want: ClientClosed{}},
		{name: "key lookup", frame: `{"type":"KeyLookup","text":"compile"}`, want: KeyLookup{Text: "compile"}},
		{
			name:  "listen to value",
			frame: `{"type":"ListenToValue","key":{"Module":"app","Name":"port"}}`,
			want:  ListenToValue{Key: ScopedKey{Module: "app", Name: "port"}},
		},
		{
			name:  "command completions",
			frame: `{"type":"CommandCompletions","id":7,"line":"comp","level":1}`,
			want:  CommandCompletions{ID: 7, Line: "comp", Level: 1},
		},
		{name: "execution", frame: `{"type":"Execution","command":"test"}`, want: Execution{Command: "test"}},
		{name: "cancel", frame: `{"type":"Cancel"}`, want: Cancel{}},
		{name: "unknown type", frame: `{"type":"Bogus"}`, wantErr: true},
		{name: "unknown field", frame: `{"type":"Cancel","extra":1}`, wantErr: true},
		{name: "execution missing command", frame: `{"type":"Execution"}`, wantErr: true},
		{name: "listen to value missing key", frame: `{"type":"ListenToValue"}`, wantErr: true},
		{name: "not json", frame: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(tt.frame))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeFrameReturnsSerial(t *testing.T) {
	serial, req, err := DecodeFrame([]byte(`{"type":"KeyLookup","serial":7,"text":"compile"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serial != 7 {
		t.Fatalf("got serial %d, want 7", serial)
	}
	if req != (KeyLookup{Text: "compile"}) {
		t.Fatalf("got %#v", req)
	}
}

func TestEncodeResponseTagsAndCorrelates(t *testing.T) {
	data, err := EncodeResponse(42, ExecutionRequestReceived{ID: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != "ExecutionRequestReceived" {
		t.Fatalf("wrong type tag: %v", decoded["type"])
	}
	if decoded["serial"] != float64(42) {
		t.Fatalf("wrong serial: %v", decoded["serial"])
	}
	if decoded["ID"] != float64(9) {
		t.Fatalf("wrong ID: %v", decoded["ID"])
	}
}

func TestEncodeEventHasNoSerial(t *testing.T) {
	data, err := EncodeEvent(NowListening{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded["type"] != "NowListening" {
		t.Fatalf("wrong type tag: %v", decoded["type"])
	}
	if _, ok := decoded["serial"]; ok {
		t.Fatalf("event frame should not carry a serial field")
	}
}

func TestEncodeEventRoundTripsNestedKey(t *testing.T) {
	data, err := EncodeEvent(ValueChange{Key: ScopedKey{Module: "app", Name: "port"}, Value: 8080})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	key, ok := decoded["Key"].(map[string]any)
	if !ok {
		t.Fatalf("expected Key to be an object, got %T", decoded["Key"])
	}
	if key["Module"] != "app" || key["Name"] != "port" {
		t.Fatalf("unexpected key contents: %v", key)
	}
}
