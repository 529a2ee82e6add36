package accounting

import (
	"fmt"
	"sync"
	"testing"

	"github.com/voxrelay/voxrelay/internal/auth"
)

func TestLedger_RecordResponse(t *testing.T) {
	l := NewLedger()
	l.RecordResponse("usr_a", TokenUsage{
		InputTokens:  100,
		OutputTokens: 50,
		CachedTokens: 20,
	})
	l.RecordResponse("usr_a", TokenUsage{
		InputTokens:  10,
		OutputTokens: 5,
	})

	s := l.SnapshotFor("usr_a")
	if s.InputTokens != 110 || s.OutputTokens != 55 || s.CachedTokens != 20 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Requests != 2 {
		t.Errorf("Requests = %d, want 2", s.Requests)
	}
	if s.TotalTokens() != 165 {
		t.Errorf("TotalTokens() = %d, want 165", s.TotalTokens())
	}
	if s.LastActivity.IsZero() {
		t.Error("LastActivity not set")
	}
}

func TestLedger_AudioTicksAndMinutes(t *testing.T) {
	l := NewLedger()
	// 3000 ticks × 20 ms = 60 s = 1 minute.
	l.RecordAudioInput("usr_a", 3000)
	l.RecordAudioOutput("usr_a", 1500)

	s := l.SnapshotFor("usr_a")
	if s.AudioInputTicks != 3000 || s.AudioOutputTicks != 1500 {
		t.Errorf("ticks = %d/%d", s.AudioInputTicks, s.AudioOutputTicks)
	}
	if got := s.AudioMinutes(); got != 1.5 {
		t.Errorf("AudioMinutes() = %v, want 1.5", got)
	}
}

func TestLedger_Errors(t *testing.T) {
	l := NewLedger()
	l.RecordError("usr_a")
	l.RecordError("usr_a")

	if s := l.SnapshotFor("usr_a"); s.Errors != 2 {
		t.Errorf("Errors = %d, want 2", s.Errors)
	}
}

func TestLedger_SnapshotForUnknownPrincipal(t *testing.T) {
	l := NewLedger()
	s := l.SnapshotFor("nobody")
	if s.PrincipalID != "nobody" {
		t.Errorf("PrincipalID = %q", s.PrincipalID)
	}
	if s.TotalTokens() != 0 || s.Requests != 0 {
		t.Errorf("unknown principal has non-zero counters: %+v", s)
	}
}

func TestLedger_SnapshotAll(t *testing.T) {
	l := NewLedger()
	for i := range 40 {
		l.RecordResponse(fmt.Sprintf("usr_%02d", i), TokenUsage{InputTokens: 1})
	}

	all := l.SnapshotAll()
	if len(all) != 40 {
		t.Fatalf("len = %d, want 40", len(all))
	}
	seen := make(map[string]struct{}, len(all))
	for _, s := range all {
		if _, dup := seen[s.PrincipalID]; dup {
			t.Errorf("duplicate principal %q", s.PrincipalID)
		}
		seen[s.PrincipalID] = struct{}{}
	}
}

func TestLedger_ConcurrentRecording(t *testing.T) {
	l := NewLedger()
	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("usr_%d", w%4)
			for range perWorker {
				l.RecordResponse(id, TokenUsage{InputTokens: 1, OutputTokens: 1})
				l.RecordAudioInput(id, 1)
			}
		}(w)
	}
	wg.Wait()

	var totalIn int64
	for _, s := range l.SnapshotAll() {
		totalIn += s.InputTokens
	}
	if want := int64(workers * perWorker); totalIn != want {
		t.Errorf("total input tokens = %d, want %d", totalIn, want)
	}
}

func TestLedger_LastActivity(t *testing.T) {
	l := NewLedger()
	if !l.LastActivity().IsZero() {
		t.Error("fresh ledger should report zero LastActivity")
	}
	l.RecordResponse("usr_a", TokenUsage{InputTokens: 1})
	if l.LastActivity().IsZero() {
		t.Error("LastActivity not updated after recording")
	}
}

func TestCost_ProjectionAndRounding(t *testing.T) {
	s := Snapshot{
		InputTokens:      1_000_000,
		OutputTokens:     500_000,
		AudioInputTicks:  100_000,
		AudioOutputTicks: 50_000,
		CachedTokens:     200_000,
	}
	prices := PricesFor(auth.TierFree)

	// 1M×5 + 0.5M×20 + 0.1M×100 + 0.05M×200 + 0.2M×2.5 = 5+10+10+10+0.5 = 35.5
	if got := Cost(s, prices, 1); got != 35.5 {
		t.Errorf("Cost = %v, want 35.5", got)
	}

	// Region multiplier scales linearly.
	if got := Cost(s, prices, 2); got != 71 {
		t.Errorf("Cost ×2 = %v, want 71", got)
	}

	// Invalid multiplier falls back to 1.
	if got := Cost(s, prices, 0); got != 35.5 {
		t.Errorf("Cost with zero multiplier = %v, want 35.5", got)
	}
}

func TestCost_RoundsToSixDecimals(t *testing.T) {
	s := Snapshot{InputTokens: 1} // 1 × 5 / 1e6 = 0.000005
	if got := Cost(s, PricesFor(auth.TierFree), 1); got != 0.000005 {
		t.Errorf("Cost = %v, want 0.000005", got)
	}

	s = Snapshot{InputTokens: 1, OutputTokens: 1} // 0.000005 + 0.00002
	if got := Cost(s, PricesFor(auth.TierFree), 1); got != 0.000025 {
		t.Errorf("Cost = %v, want 0.000025", got)
	}
}

func TestPricesFor_UnknownTierDefaultsToFree(t *testing.T) {
	if PricesFor(auth.Tier("mystery")) != PricesFor(auth.TierFree) {
		t.Error("unknown tier should price as free")
	}
}

func TestCost_TierOrdering(t *testing.T) {
	s := Snapshot{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	free := Cost(s, PricesFor(auth.TierFree), 1)
	std := Cost(s, PricesFor(auth.TierStandard), 1)
	pro := Cost(s, PricesFor(auth.TierPro), 1)
	if !(pro < std && std < free) {
		t.Errorf("tier pricing not monotonic: free=%v std=%v pro=%v", free, std, pro)
	}
}
