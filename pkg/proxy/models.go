package proxy

import (
	"context"
	"net/http"
	"time"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// modelListTimeout bounds each provider's upstream model query so one slow
// upstream cannot stall the whole aggregate.
const modelListTimeout = 10 * time.Second

// handleModelList aggregates models across every provider type that has a
// healthy account, each entry carrying its provider's display prefix.
func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request, d protocol.Dialect) {
	codec, err := protocol.ForDialect(d)
	if err != nil {
		s.writeErrorFor(w, protocol.DialectOpenAI, http.StatusInternalServerError, err.Error())
		return
	}

	var all []protocol.ModelInfo
	for _, t := range store.AllProviderTypes {
		accounts := s.pool.HealthyAccounts(t)
		if len(accounts) == 0 {
			continue
		}
		adapter, err := s.adapters.For(t, accounts[0].UUID)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), modelListTimeout)
		models, err := adapter.ListModels(ctx, accounts[0])
		cancel()
		if err != nil {
			s.logger.Warn("model list unavailable", "provider", t, "error", err)
			continue
		}
		for _, m := range models {
			all = append(all, protocol.ModelInfo{
				ID:      protocol.PrefixModel(t, m.ID),
				OwnedBy: m.OwnedBy,
			})
		}
	}

	out, err := codec.EncodeModelList(all)
	if err != nil {
		s.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
