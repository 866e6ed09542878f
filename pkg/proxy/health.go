package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.store.Healthy() {
		status = "degraded"
	}
	out, _ := json.Marshal(map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"provider":  "saturn",
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(out)
}

// accountHealth is one row of the pool snapshot.
type accountHealth struct {
	UUID                  string `json:"uuid"`
	CustomName            string `json:"customName,omitempty"`
	IsHealthy             bool   `json:"isHealthy"`
	IsDisabled            bool   `json:"isDisabled"`
	UsageCount            int64  `json:"usageCount"`
	ErrorCount            int64  `json:"errorCount"`
	LastUsed              int64  `json:"lastUsed,omitempty"`
	LastErrorMessage      string `json:"lastErrorMessage,omitempty"`
	ScheduledRecoveryTime int64  `json:"scheduledRecoveryTime,omitempty"`
}

// handleProviderHealth renders the pool snapshot. Query parameters filter by
// provider type and custom name; unhealthRatioThreshold sets the unhealthy
// fraction at or above which summaryHealth reports false.
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerFilter := store.ProviderType(q.Get("provider"))
	nameFilter := q.Get("customName")
	threshold := 1.0
	if raw := q.Get("unhealthRatioThreshold"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 && v <= 1 {
			threshold = v
		}
	}

	var total, unhealthy int
	providers := map[store.ProviderType][]accountHealth{}
	for t, accounts := range s.pool.Snapshot() {
		if providerFilter != "" && t != providerFilter {
			continue
		}
		for _, acc := range accounts {
			if nameFilter != "" && acc.CustomName != nameFilter {
				continue
			}
			total++
			if !acc.IsHealthy {
				unhealthy++
			}
			providers[t] = append(providers[t], accountHealth{
				UUID:                  acc.UUID,
				CustomName:            acc.CustomName,
				IsHealthy:             acc.IsHealthy,
				IsDisabled:            acc.IsDisabled,
				UsageCount:            acc.UsageCount,
				ErrorCount:            acc.ErrorCount,
				LastUsed:              acc.LastUsed,
				LastErrorMessage:      acc.LastErrorMessage,
				ScheduledRecoveryTime: acc.ScheduledRecoveryTime,
			})
		}
	}

	summary := true
	if total > 0 && float64(unhealthy)/float64(total) >= threshold {
		summary = false
	}
	if total == 0 {
		summary = false
	}

	out, _ := json.Marshal(map[string]any{
		"summaryHealth":     summary,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"totalAccounts":     total,
		"unhealthyAccounts": unhealthy,
		"providers":         providers,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
