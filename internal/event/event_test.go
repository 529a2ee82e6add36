package event

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_RoundTripsRawBytes(t *testing.T) {
	raw := []byte(`{"type":"response.create","event_id":"evt_abc123","response":{"modalities":["text"]}}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Type != "response.create" {
		t.Errorf("Type = %q, want response.create", e.Type)
	}
	if e.ID != "evt_abc123" {
		t.Errorf("ID = %q, want evt_abc123", e.ID)
	}
	if got := e.Encode(); string(got) != string(raw) {
		t.Errorf("Encode() mutated unmodified event:\n got %s\nwant %s", got, raw)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := Parse([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object frame")
	}
}

func TestParse_MissingType(t *testing.T) {
	e, err := Parse([]byte(`{"event_id":"x"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Type != "" {
		t.Errorf("Type = %q, want empty", e.Type)
	}
}

func TestStampID_InvalidatesRaw(t *testing.T) {
	e, err := Parse([]byte(`{"type":"response.create"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e.StampID("evt_ffffff")

	var obj map[string]any
	if err := json.Unmarshal(e.Encode(), &obj); err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if obj["event_id"] != "evt_ffffff" {
		t.Errorf("event_id = %v, want evt_ffffff", obj["event_id"])
	}
}

func TestNew_StampsFreshID(t *testing.T) {
	e := New(TypeSessionCreated, map[string]any{"session_id": "sess_1"})
	if e.ID == "" {
		t.Fatal("New did not stamp an event_id")
	}
	if !strings.HasPrefix(e.ID, "evt_") {
		t.Errorf("ID = %q, want evt_ prefix", e.ID)
	}
	if e.StringField("session_id") != "sess_1" {
		t.Errorf("session_id = %q", e.StringField("session_id"))
	}
}

func TestResponseID(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"top level", `{"type":"response.audio.delta","response_id":"resp_1"}`, "resp_1"},
		{"nested response object", `{"type":"response.done","response":{"id":"resp_2"}}`, "resp_2"},
		{"absent", `{"type":"response.audio.delta"}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Parse([]byte(tc.json))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := e.ResponseID(); got != tc.want {
				t.Errorf("ResponseID() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUsage_Extraction(t *testing.T) {
	raw := []byte(`{
		"type": "response.done",
		"response": {
			"id": "resp_1",
			"usage": {
				"input_tokens": 120,
				"output_tokens": 80,
				"total_tokens": 200,
				"input_token_details": {"cached_tokens": 40, "audio_tokens": 30},
				"output_token_details": {"audio_tokens": 60}
			}
		}
	}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u := e.Usage()
	if u == nil {
		t.Fatal("Usage() = nil")
	}
	if u.InputTokens != 120 || u.OutputTokens != 80 || u.TotalTokens != 200 {
		t.Errorf("token counts = %+v", u)
	}
	if u.CachedTokens != 40 {
		t.Errorf("CachedTokens = %d, want 40", u.CachedTokens)
	}
}

func TestUsage_AbsentBlock(t *testing.T) {
	e, _ := Parse([]byte(`{"type":"response.done","response":{"id":"resp_1"}}`))
	if e.Usage() != nil {
		t.Error("Usage() should be nil without a usage block")
	}
}

func TestErrorDetail(t *testing.T) {
	e, _ := Parse([]byte(`{"type":"error","error":{"type":"auth_error","code":"invalid_api_key","message":"bad key"}}`))
	d := e.ErrorDetail()
	if d == nil {
		t.Fatal("ErrorDetail() = nil")
	}
	if d.Type != "auth_error" || d.Code != "invalid_api_key" || d.Message != "bad key" {
		t.Errorf("detail = %+v", d)
	}
}

func TestAudioPayloadBytes(t *testing.T) {
	payload := make([]byte, 960)
	b64 := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name string
		json string
		want int
	}{
		{"append", `{"type":"input_audio_buffer.append","audio":"` + b64 + `"}`, 960},
		{"delta", `{"type":"response.audio.delta","delta":"` + b64 + `"}`, 960},
		{"other type", `{"type":"response.create","audio":"` + b64 + `"}`, 0},
		{"empty payload", `{"type":"input_audio_buffer.append","audio":""}`, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Parse([]byte(tc.json))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := e.AudioPayloadBytes(); got != tc.want {
				t.Errorf("AudioPayloadBytes() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAudioPayloadBytes_MatchesRealDecode(t *testing.T) {
	// Odd sizes exercise both padding branches of the length arithmetic.
	for _, n := range []int{1, 2, 3, 959, 960, 961, 4096} {
		b64 := base64.StdEncoding.EncodeToString(make([]byte, n))
		e, _ := Parse([]byte(`{"type":"input_audio_buffer.append","audio":"` + b64 + `"}`))
		if got := e.AudioPayloadBytes(); got != n {
			t.Errorf("payload %d bytes: computed %d", n, got)
		}
	}
}

func TestAudioTicks(t *testing.T) {
	tests := []struct {
		bytes int
		want  int64
	}{
		{0, 0},
		{-5, 0},
		{1, 1},
		{960, 1},
		{961, 2},
		{1920, 2},
		{48000, 50},
	}
	for _, tc := range tests {
		if got := AudioTicks(tc.bytes); got != tc.want {
			t.Errorf("AudioTicks(%d) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}

func TestIDStamper_UniqueRelayIDs(t *testing.T) {
	s := NewIDStamper()
	seen := make(map[string]struct{})
	for range 200 {
		e := &Event{obj: map[string]any{"type": "x"}, Type: "x"}
		s.Stamp(e)
		if _, dup := seen[e.ID]; dup {
			t.Fatalf("duplicate relay-assigned id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
}

func TestIDStamper_KeepsClientIDs(t *testing.T) {
	s := NewIDStamper()
	e, _ := Parse([]byte(`{"type":"response.create","event_id":"client_1"}`))
	s.Stamp(e)
	if e.ID != "client_1" {
		t.Errorf("client-assigned id replaced: %q", e.ID)
	}

	// Duplicate client ids are permitted.
	dup, _ := Parse([]byte(`{"type":"response.create","event_id":"client_1"}`))
	s.Stamp(dup)
	if dup.ID != "client_1" {
		t.Errorf("duplicate client id rejected: %q", dup.ID)
	}
}

func TestRateLimits(t *testing.T) {
	e, _ := Parse([]byte(`{
		"type": "rate_limits.updated",
		"rate_limits": [
			{"name": "requests", "limit": 100, "remaining": 42, "reset_seconds": 12.5},
			{"name": "tokens", "limit": 20000, "remaining": 18000}
		]
	}`))
	limits := e.RateLimits()
	if len(limits) != 2 {
		t.Fatalf("len = %d, want 2", len(limits))
	}
	if limits[0].Name != "requests" || limits[0].Remaining != 42 || limits[0].ResetSeconds != 12.5 {
		t.Errorf("first entry = %+v", limits[0])
	}
}

func TestSyntheticErrors_WireShape(t *testing.T) {
	tests := []struct {
		name     string
		evt      *Event
		wantType string
		wantCode string
	}{
		{"invalid json", ErrInvalidJSON(), "invalid_request_error", "invalid_json"},
		{"invalid event", ErrInvalidEvent(), "invalid_request_error", "invalid_event"},
		{"invalid init", ErrInvalidInit(), "invalid_request_error", "invalid_init"},
		{"relay init failed", ErrRelayInitFailed("mint failed"), "relay_error", "relay_init_failed"},
		{"upstream closed", ErrUpstreamClosed(), "relay_error", "upstream_closed"},
		{"function call failed", ErrFunctionCallFailed("boom"), "function_error", "function_call_failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.evt.Type != TypeError {
				t.Errorf("Type = %q, want error", tc.evt.Type)
			}
			d := tc.evt.ErrorDetail()
			if d == nil {
				t.Fatal("no error detail")
			}
			if d.Type != tc.wantType || d.Code != tc.wantCode {
				t.Errorf("detail = %s/%s, want %s/%s", d.Type, d.Code, tc.wantType, tc.wantCode)
			}
			if tc.evt.ID == "" {
				t.Error("synthetic event missing event_id")
			}
		})
	}
}

func TestErrRateLimited_CarriesRetryAfter(t *testing.T) {
	e := ErrRateLimited(1.5)
	var obj map[string]any
	if err := json.Unmarshal(e.Encode(), &obj); err != nil {
		t.Fatalf("encode: %v", err)
	}
	errObj, _ := obj["error"].(map[string]any)
	if errObj["retry_after_seconds"] != 1.5 {
		t.Errorf("retry_after_seconds = %v, want 1.5", errObj["retry_after_seconds"])
	}
}
