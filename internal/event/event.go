// Package event defines the typed-JSON event model shared by the relay's
// client and upstream sides.
//
// Events are opaque JSON objects carrying a required "type" string and an
// optional "event_id". The relay inspects only the envelope and the handful
// of fields needed for routing, state tracking, and accounting; everything
// else passes through byte-for-byte. [Parse] decodes a frame, [Event.Encode]
// re-serialises it (returning the original bytes when the event was never
// mutated), and the Err* constructors build the synthetic error events the
// relay sends on protocol violations.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Recognised event types. The router dispatches on these; everything else is
// forwarded unchanged.
const (
	TypeInitSession = "init_session"

	TypeSessionUpdate  = "session.update"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeConversationItemCreated = "conversation.item.created"
	TypeInputTranscriptDone     = "conversation.item.input_audio_transcription.completed"

	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommitted = "input_audio_buffer.committed"
	TypeSpeechStarted  = "input_audio_buffer.speech_started"
	TypeSpeechStopped  = "input_audio_buffer.speech_stopped"

	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"

	TypeResponseCreated       = "response.created"
	TypeResponseDone          = "response.done"
	TypeTextDelta             = "response.text.delta"
	TypeTextDone              = "response.text.done"
	TypeAudioDelta            = "response.audio.delta"
	TypeAudioDone             = "response.audio.done"
	TypeAudioTranscriptDelta  = "response.audio_transcript.delta"
	TypeAudioTranscriptDone   = "response.audio_transcript.done"
	TypeFunctionCallArgsDelta = "response.function_call_arguments.delta"
	TypeFunctionCallArgsDone  = "response.function_call_arguments.done"
	TypeFunctionCall          = "function.call"
	TypeFunctionResponse      = "function.response"
	TypeRateLimitsUpdated     = "rate_limits.updated"
	TypeError                 = "error"
	TypeConnectionEstablished = "connection.established"
)

// Event is one decoded frame. The zero value is not useful; construct via
// [Parse] or [New].
type Event struct {
	// Type is the required event type string.
	Type string

	// ID is the event_id, possibly empty until stamped.
	ID string

	raw []byte         // original frame bytes; nil once mutated
	obj map[string]any // full decoded object
}

// Parse decodes a single JSON frame into an Event. It fails when the frame is
// not a JSON object; a missing "type" field is reported via [Event.Type]
// being empty, not as a parse error, so callers can synthesise the right
// protocol error.
func Parse(data []byte) (*Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("event: parse: %w", err)
	}
	e := &Event{raw: data, obj: obj}
	if t, ok := obj["type"].(string); ok {
		e.Type = t
	}
	if id, ok := obj["event_id"].(string); ok {
		e.ID = id
	}
	return e, nil
}

// New constructs a synthetic event of the given type with the provided extra
// fields. A fresh event_id is stamped.
func New(typ string, fields map[string]any) *Event {
	obj := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		obj[k] = v
	}
	obj["type"] = typ
	id := NewID()
	obj["event_id"] = id
	return &Event{Type: typ, ID: id, obj: obj}
}

// StampID sets the event_id. The original raw bytes are discarded so that the
// next [Event.Encode] reflects the new id.
func (e *Event) StampID(id string) {
	e.ID = id
	e.obj["event_id"] = id
	e.raw = nil
}

// Encode returns the wire bytes for the event. Unmutated events round-trip
// their original bytes exactly.
func (e *Event) Encode() []byte {
	if e.raw != nil {
		return e.raw
	}
	data, err := json.Marshal(e.obj)
	if err != nil {
		// A decoded map re-marshals unless a caller injected an unmarshalable
		// value; surface it as an error event rather than dropping silently.
		data = []byte(fmt.Sprintf(`{"type":"error","error":{"type":"relay_error","code":"encode_failed","message":%q}}`, err.Error()))
	}
	return data
}

// Field returns the raw decoded value of a top-level field.
func (e *Event) Field(key string) (any, bool) {
	v, ok := e.obj[key]
	return v, ok
}

// StringField returns a top-level field as a string, or "" when absent or of
// another type.
func (e *Event) StringField(key string) string {
	s, _ := e.obj[key].(string)
	return s
}

// ResponseID extracts the response identity of the event: the top-level
// "response_id" when present, else "response.id" for response.created /
// response.done envelopes.
func (e *Event) ResponseID() string {
	if id := e.StringField("response_id"); id != "" {
		return id
	}
	if resp, ok := e.obj["response"].(map[string]any); ok {
		if id, ok := resp["id"].(string); ok {
			return id
		}
	}
	return ""
}

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   any    `json:"param,omitempty"`
}

// ErrorDetail returns the decoded error object of an "error" event, or nil
// when the event carries none.
func (e *Event) ErrorDetail() *ErrorDetail {
	raw, ok := e.obj["error"].(map[string]any)
	if !ok {
		return nil
	}
	d := &ErrorDetail{}
	d.Type, _ = raw["type"].(string)
	d.Code, _ = raw["code"].(string)
	d.Message, _ = raw["message"].(string)
	d.Param = raw["param"]
	return d
}

// Usage is the token-usage block of a response.done event. Audio is
// deliberately absent: the relay accounts audio from delta payload lengths,
// not from the upstream's token details.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CachedTokens int64
}

// Usage extracts response.usage from a response.done event. Returns nil when
// the event has no usage block.
func (e *Event) Usage() *Usage {
	resp, ok := e.obj["response"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := resp["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &Usage{
		InputTokens:  intField(raw, "input_tokens"),
		OutputTokens: intField(raw, "output_tokens"),
		TotalTokens:  intField(raw, "total_tokens"),
	}
	if det, ok := raw["input_token_details"].(map[string]any); ok {
		u.CachedTokens = intField(det, "cached_tokens")
	}
	return u
}

// RateLimit is one entry of a rate_limits.updated event.
type RateLimit struct {
	Name         string
	Limit        int64
	Remaining    int64
	ResetSeconds float64
}

// RateLimits decodes the rate_limits array of a rate_limits.updated event.
func (e *Event) RateLimits() []RateLimit {
	raw, ok := e.obj["rate_limits"].([]any)
	if !ok {
		return nil
	}
	out := make([]RateLimit, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		rl := RateLimit{
			Name:      stringField(m, "name"),
			Limit:     intField(m, "limit"),
			Remaining: intField(m, "remaining"),
		}
		if v, ok := m["reset_seconds"].(float64); ok {
			rl.ResetSeconds = v
		}
		out = append(out, rl)
	}
	return out
}

// AudioPayloadBytes reports the decoded byte length of the base64 audio
// payload carried by input_audio_buffer.append ("audio") or
// response.audio.delta ("delta") events, without decoding the payload.
func (e *Event) AudioPayloadBytes() int {
	var field string
	switch e.Type {
	case TypeAudioAppend:
		field = "audio"
	case TypeAudioDelta:
		field = "delta"
	default:
		return 0
	}
	return base64DecodedLen(e.StringField(field))
}

// NewID returns a fresh relay-assigned event id of the form evt_<6 hex>.
// Uniqueness within a connection is the caller's responsibility (see
// [IDStamper]).
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("evt_%x", u[:3])
}

// IDStamper assigns connection-unique event ids. Not safe for concurrent use;
// each pump owns its own stamper.
type IDStamper struct {
	seen map[string]struct{}
}

// NewIDStamper creates an empty stamper.
func NewIDStamper() *IDStamper {
	return &IDStamper{seen: make(map[string]struct{})}
}

// Stamp ensures e carries an event id. Client-assigned ids are kept as-is
// (duplicates allowed per protocol); relay-assigned ids are guaranteed unique
// within this stamper.
func (s *IDStamper) Stamp(e *Event) {
	if e.ID != "" {
		s.seen[e.ID] = struct{}{}
		return
	}
	for {
		id := NewID()
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		e.StampID(id)
		return
	}
}

// ── Synthetic error events ─────────────────────────────────────────────────────

// NewError builds a synthetic error event in the upstream wire shape.
func NewError(errType, code, message string, param any) *Event {
	return New(TypeError, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"code":    code,
			"message": message,
			"param":   param,
		},
	})
}

// ErrInvalidJSON is sent when a client frame fails to parse.
func ErrInvalidJSON() *Event {
	return NewError("invalid_request_error", "invalid_json", "Invalid JSON payload", nil)
}

// ErrInvalidEvent is sent when a client frame lacks a type field.
func ErrInvalidEvent() *Event {
	return NewError("invalid_request_error", "invalid_event", "Event must have a type field", "type")
}

// ErrInvalidInit is sent when the first client frame is not init_session.
func ErrInvalidInit() *Event {
	return NewError("invalid_request_error", "invalid_init", "First message must have type=init_session", "type")
}

// ErrRateLimited is sent per offending frame when the principal's token
// bucket is exhausted. retryAfter is advisory seconds until refill.
func ErrRateLimited(retryAfter float64) *Event {
	return New(TypeError, map[string]any{
		"error": map[string]any{
			"type":                "rate_limit_error",
			"code":                "rate_limited",
			"message":             "Rate limit exceeded; event not forwarded",
			"retry_after_seconds": retryAfter,
		},
	})
}

// ErrRelayInitFailed is sent when upstream session acquisition fails during
// connection setup.
func ErrRelayInitFailed(reason string) *Event {
	return NewError("relay_error", "relay_init_failed", reason, nil)
}

// ErrUpstreamClosed is sent when the upstream closes cleanly underneath a
// live client connection.
func ErrUpstreamClosed() *Event {
	return NewError("relay_error", "upstream_closed", "Upstream connection closed", nil)
}

// ErrFunctionCallFailed is sent when a registry-intercepted function call
// fails locally.
func ErrFunctionCallFailed(msg string) *Event {
	return NewError("function_error", "function_call_failed", msg, nil)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func intField(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// base64DecodedLen computes the decoded length of a standard-encoding base64
// string from its length and padding, without allocating the decode buffer.
func base64DecodedLen(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	pad := 0
	if s[n-1] == '=' {
		pad++
		if n > 1 && s[n-2] == '=' {
			pad++
		}
	}
	return n/4*3 - pad
}
