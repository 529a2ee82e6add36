package event

import (
	"fmt"
	"sort"
	"strings"
)

// Session config fields the client may request. Anything outside this set is
// dropped before the config reaches the token minter.
var sessionConfigWhitelist = map[string]struct{}{
	"model":                      {},
	"modalities":                 {},
	"instructions":               {},
	"voice":                      {},
	"input_audio_format":         {},
	"output_audio_format":        {},
	"input_audio_transcription":  {},
	"turn_detection":             {},
	"tools":                      {},
	"tool_choice":                {},
	"temperature":                {},
	"max_response_output_tokens": {},
}

// Default session parameters applied when the client leaves them unset.
const (
	DefaultModel         = "gpt-4o-realtime-preview"
	DefaultAudioFormat   = "pcm16"
	DefaultTurnDetection = "server_vad"
)

// SessionConfig is the sanitized session request attached to init_session.
// It keeps the decoded values as loosely-typed JSON because the relay only
// needs identity fields (model, modalities, voice, formats, turn_detection
// presence); everything else is carried opaquely to the minter and upstream.
type SessionConfig struct {
	fields map[string]any
}

// SanitizeSessionConfig builds a SessionConfig from the raw client-submitted
// object, silently dropping any field outside the whitelist.
func SanitizeSessionConfig(raw map[string]any) SessionConfig {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, ok := sessionConfigWhitelist[k]; ok {
			fields[k] = v
		}
	}
	return SessionConfig{fields: fields}
}

// SessionConfigFromEvent extracts and sanitizes the session_config object of
// an init_session event. A missing or malformed session_config yields an
// empty config (defaults apply).
func SessionConfigFromEvent(e *Event) SessionConfig {
	raw, _ := e.obj["session_config"].(map[string]any)
	return SanitizeSessionConfig(raw)
}

// ApplyDefaults fills the fields a well-formed upstream session needs when
// the client omitted them: model, pcm16 audio formats, and server-side voice
// activity detection.
func (c SessionConfig) ApplyDefaults() SessionConfig {
	out := make(map[string]any, len(c.fields)+3)
	for k, v := range c.fields {
		out[k] = v
	}
	if _, ok := out["model"]; !ok {
		out["model"] = DefaultModel
	}
	if _, ok := out["input_audio_format"]; !ok {
		out["input_audio_format"] = DefaultAudioFormat
	}
	if _, ok := out["output_audio_format"]; !ok {
		out["output_audio_format"] = DefaultAudioFormat
	}
	if _, ok := out["turn_detection"]; !ok {
		out["turn_detection"] = map[string]any{"type": DefaultTurnDetection}
	}
	return SessionConfig{fields: out}
}

// Model returns the requested model, or "" when unset.
func (c SessionConfig) Model() string {
	s, _ := c.fields["model"].(string)
	return s
}

// Voice returns the requested voice id, or "" when unset.
func (c SessionConfig) Voice() string {
	s, _ := c.fields["voice"].(string)
	return s
}

// Fields returns the sanitized field map for serialisation. Callers must not
// mutate the returned map.
func (c SessionConfig) Fields() map[string]any {
	if c.fields == nil {
		return map[string]any{}
	}
	return c.fields
}

// MergeTools appends tool definitions (e.g. from a tool registry) to the
// config's tools array, returning a new config.
func (c SessionConfig) MergeTools(tools []map[string]any) SessionConfig {
	if len(tools) == 0 {
		return c
	}
	out := make(map[string]any, len(c.fields)+1)
	for k, v := range c.fields {
		out[k] = v
	}
	existing, _ := out["tools"].([]any)
	merged := make([]any, 0, len(existing)+len(tools))
	merged = append(merged, existing...)
	for _, t := range tools {
		merged = append(merged, t)
	}
	out["tools"] = merged
	return SessionConfig{fields: out}
}

// Fingerprint derives the session-identity key used by the pool: model,
// sorted modalities, voice, audio formats, and turn_detection presence.
// Instructions, temperature, tools, and token limits are deliberately
// excluded — they can be adjusted on a reused session via session.update.
func (c SessionConfig) Fingerprint() string {
	var b strings.Builder

	fmt.Fprintf(&b, "model=%s", c.Model())

	if raw, ok := c.fields["modalities"].([]any); ok {
		mods := make([]string, 0, len(raw))
		for _, m := range raw {
			if s, ok := m.(string); ok {
				mods = append(mods, s)
			}
		}
		sort.Strings(mods)
		fmt.Fprintf(&b, ";modalities=%s", strings.Join(mods, ","))
	}

	fmt.Fprintf(&b, ";voice=%s", c.Voice())

	inFmt, _ := c.fields["input_audio_format"].(string)
	outFmt, _ := c.fields["output_audio_format"].(string)
	fmt.Fprintf(&b, ";in=%s;out=%s", inFmt, outFmt)

	_, hasTurnDetection := c.fields["turn_detection"]
	fmt.Fprintf(&b, ";vad=%t", hasTurnDetection)

	return b.String()
}
