package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/voxrelay/voxrelay/internal/accounting"
	"github.com/voxrelay/voxrelay/internal/auth"
	"github.com/voxrelay/voxrelay/internal/pool"
)

// principalUsage is one /metrics entry: the ledger snapshot plus derived
// values.
type principalUsage struct {
	accounting.Snapshot
	Tier          auth.Tier `json:"tier"`
	TotalTokens   int64     `json:"total_tokens"`
	AudioMinutes  float64   `json:"audio_minutes"`
	ProjectedCost float64   `json:"projected_cost_usd"`
}

// metricsPayload is the /metrics response body.
type metricsPayload struct {
	Timestamp    string           `json:"timestamp"`
	Pool         pool.Stats       `json:"pool"`
	Connections  int              `json:"active_connections"`
	Usage        []principalUsage `json:"usage"`
	LastActivity string           `json:"last_activity,omitempty"`
}

// handleMetrics serves the JSON usage snapshot: per-principal counters with
// cost projection, plus pool occupancy. The Prometheus form of the same
// instruments lives at /metrics/prometheus.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshots := s.ledger.SnapshotAll()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].PrincipalID < snapshots[j].PrincipalID
	})

	s.mu.Lock()
	live := len(s.conns)
	tiers := make(map[string]auth.Tier, len(s.tiers))
	for id, t := range s.tiers {
		tiers[id] = t
	}
	s.mu.Unlock()

	usage := make([]principalUsage, 0, len(snapshots))
	for _, snap := range snapshots {
		tier := tiers[snap.PrincipalID]
		if tier == "" {
			tier = auth.TierFree
		}
		usage = append(usage, principalUsage{
			Snapshot:      snap,
			Tier:          tier,
			TotalTokens:   snap.TotalTokens(),
			AudioMinutes:  snap.AudioMinutes(),
			ProjectedCost: accounting.Cost(snap, accounting.PricesFor(tier), s.costMult),
		})
	}

	payload := metricsPayload{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Pool:        s.pool.Stats(),
		Connections: live,
		Usage:       usage,
	}
	if last := s.ledger.LastActivity(); !last.IsZero() {
		payload.LastActivity = last.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
