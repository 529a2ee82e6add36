package accounting

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount spreads principal counters across independent locks. Sixteen
// shards keeps contention negligible even with a hot principal fan-out.
const shardCount = 16

// Snapshot is a point-in-time copy of one principal's counters. Derived
// values (cost, overage) are computed from snapshots, never stored.
type Snapshot struct {
	PrincipalID       string    `json:"principal_id"`
	InputTokens       int64     `json:"input_tokens"`
	OutputTokens      int64     `json:"output_tokens"`
	AudioInputTicks   int64     `json:"audio_input_ticks"`
	AudioOutputTicks  int64     `json:"audio_output_ticks"`
	CachedTokens      int64     `json:"cached_tokens"`
	Requests          int64     `json:"requests"`
	Errors            int64     `json:"errors"`
	LastActivity      time.Time `json:"last_activity"`
}

// TotalTokens returns input plus output tokens.
func (s Snapshot) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// AudioMinutes converts accounting ticks (20 ms each) to minutes.
func (s Snapshot) AudioMinutes() float64 {
	return float64(s.AudioInputTicks+s.AudioOutputTicks) * 0.02 / 60
}

type entry struct {
	inputTokens      int64
	outputTokens     int64
	audioInputTicks  int64
	audioOutputTicks int64
	cachedTokens     int64
	requests         int64
	errors           int64
	lastActivity     time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Ledger keeps additive usage counters per principal. It is a process-wide
// singleton keyed by principal id, never by connection. Safe for concurrent
// use.
type Ledger struct {
	shards [shardCount]shard
	now    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{now: time.Now}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

func (l *Ledger) shardFor(principalID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return &l.shards[h.Sum32()%shardCount]
}

func (s *shard) get(principalID string) *entry {
	e, ok := s.entries[principalID]
	if !ok {
		e = &entry{}
		s.entries[principalID] = e
	}
	return e
}

// TokenUsage is the token block recorded on response.done.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// RecordResponse adds a completed response's token usage and bumps the
// request count.
func (l *Ledger) RecordResponse(principalID string, u TokenUsage) {
	s := l.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(principalID)
	e.inputTokens += u.InputTokens
	e.outputTokens += u.OutputTokens
	e.cachedTokens += u.CachedTokens
	e.requests++
	e.lastActivity = l.now()
}

// RecordAudioInput adds input-direction audio ticks.
func (l *Ledger) RecordAudioInput(principalID string, ticks int64) {
	if ticks <= 0 {
		return
	}
	s := l.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(principalID)
	e.audioInputTicks += ticks
	e.lastActivity = l.now()
}

// RecordAudioOutput adds output-direction audio ticks.
func (l *Ledger) RecordAudioOutput(principalID string, ticks int64) {
	if ticks <= 0 {
		return
	}
	s := l.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(principalID)
	e.audioOutputTicks += ticks
	e.lastActivity = l.now()
}

// RecordError bumps the principal's error count.
func (l *Ledger) RecordError(principalID string) {
	s := l.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(principalID)
	e.errors++
	e.lastActivity = l.now()
}

// SnapshotFor returns a copy of one principal's counters. An unknown
// principal yields a zero snapshot.
func (l *Ledger) SnapshotFor(principalID string) Snapshot {
	s := l.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[principalID]
	if !ok {
		return Snapshot{PrincipalID: principalID}
	}
	return snapshotOf(principalID, e)
}

// SnapshotAll returns copies of every principal's counters.
func (l *Ledger) SnapshotAll() []Snapshot {
	var out []Snapshot
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			out = append(out, snapshotOf(id, e))
		}
		s.mu.Unlock()
	}
	return out
}

// LastActivity returns the most recent activity instant across all
// principals, or the zero time when the ledger is empty.
func (l *Ledger) LastActivity() time.Time {
	var last time.Time
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			if e.lastActivity.After(last) {
				last = e.lastActivity
			}
		}
		s.mu.Unlock()
	}
	return last
}

func snapshotOf(id string, e *entry) Snapshot {
	return Snapshot{
		PrincipalID:      id,
		InputTokens:      e.inputTokens,
		OutputTokens:     e.outputTokens,
		AudioInputTicks:  e.audioInputTicks,
		AudioOutputTicks: e.audioOutputTicks,
		CachedTokens:     e.cachedTokens,
		Requests:         e.requests,
		Errors:           e.errors,
		LastActivity:     e.lastActivity,
	}
}
