package router

import (
	"sync"

	"github.com/voxrelay/voxrelay/internal/event"
)

// connState is the mutex-guarded per-connection state shared by the two
// pumps: the response state machine, the current response id, the last
// upstream-reported rate limits, and the event-id stamper. Methods never
// perform I/O while holding the lock.
type connState struct {
	mu      sync.Mutex
	st      ResponseState
	respID  string
	limits  []event.RateLimit
	stamper *event.IDStamper
}

func (c *connState) current() ResponseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *connState) rateLimits() []event.RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.RateLimit, len(c.limits))
	copy(out, c.limits)
	return out
}

// stamp ensures evt carries a connection-unique event id.
func (c *connState) stamp(evt *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stamper.Stamp(evt)
}

// onClientCancel applies a client-sent response.cancel: an active response
// returns the machine to Idle.
func (c *connState) onClientCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == StateResponding {
		c.st = StateIdle
		c.respID = ""
	}
}

// onUpstream applies one upstream event to the state machine. It reports
// whether the event should be forwarded, the response id to cancel upstream
// (barge-in), and whether the event is fatal for the connection.
func (c *connState) onUpstream(evt *event.Event) (forward bool, cancelID string, fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st == StateError {
		return false, "", true
	}

	switch evt.Type {
	case event.TypeResponseCreated:
		// A new id replaces any previous one.
		c.st = StateResponding
		c.respID = evt.ResponseID()
		return true, "", false

	case event.TypeResponseDone:
		if id := evt.ResponseID(); id == c.respID || c.respID == "" {
			c.st = StateIdle
			c.respID = ""
		}
		return true, "", false

	case event.TypeTextDelta, event.TypeAudioDelta, event.TypeAudioTranscriptDelta:
		// Deltas for a superseded response are dropped, not errors.
		if c.respID == "" || evt.ResponseID() != c.respID {
			return false, "", false
		}
		return true, "", false

	case event.TypeSpeechStarted:
		switch c.st {
		case StateResponding:
			cancelID = c.respID
			c.respID = ""
			c.st = StateProcessing
		case StateIdle:
			c.st = StateProcessing
		}
		return true, cancelID, false

	case event.TypeSpeechStopped:
		if c.st == StateProcessing {
			c.st = StateIdle
		}
		return true, "", false

	case event.TypeRateLimitsUpdated:
		c.limits = evt.RateLimits()
		return true, "", false

	case event.TypeError:
		if isFatalError(evt.ErrorDetail()) {
			c.st = StateError
			return true, "", true
		}
		return true, "", false

	default:
		return true, "", false
	}
}

// isFatalError classifies an upstream error event. Auth rejections and dead
// sessions end the connection; everything else is forwarded and the
// connection continues.
func isFatalError(d *event.ErrorDetail) bool {
	if d == nil {
		return false
	}
	if d.Type == "auth_error" {
		return true
	}
	_, fatal := fatalUpstreamCodes[d.Code]
	return fatal
}
