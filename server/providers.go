package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/petalgate/catalog"
	"github.com/petal-labs/petalgate/llmprovider"
)

type modelsResponse struct {
	Provider string          `json:"provider"`
	Models   []catalog.Model `json:"models"`
	Source   string          `json:"source"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	if s.providers == nil {
		writeJSON(w, http.StatusOK, []llmprovider.ProviderStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.providers.List())
}

// handleListModels serves the catalog document of a provider. Local
// providers without a document fall back to a live listing.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(strings.TrimSpace(r.PathValue("id")))
	if s.providers == nil {
		writeError(w, http.StatusBadRequest, "unknown_provider", fmt.Sprintf("provider %q is not known", id), nil)
		return
	}
	if _, ok := s.providers.Lookup(id); !ok {
		writeError(w, http.StatusBadRequest, "unknown_provider", fmt.Sprintf("provider %q is not known", id),
			map[string]any{"provider": id})
		return
	}

	models, err := catalog.Models(r.Context(), s.catalog, id)
	if err == nil {
		writeJSON(w, http.StatusOK, modelsResponse{Provider: id, Models: models, Source: "catalog"})
		return
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		s.logger.Error("catalog lookup failed", "provider", id, "error", err)
		writeError(w, http.StatusInternalServerError, "catalog_error", err.Error(), nil)
		return
	}

	if id == llmprovider.ProviderOllama {
		ids, liveErr := s.providers.ListModels(id)
		if liveErr == nil {
			live := make([]catalog.Model, 0, len(ids))
			for _, m := range ids {
				live = append(live, catalog.Model{ID: m})
			}
			writeJSON(w, http.StatusOK, modelsResponse{Provider: id, Models: live, Source: "live"})
			return
		}
		s.logger.Warn("live model listing failed", "provider", id, "error", liveErr)
	}

	writeError(w, http.StatusNotFound, "catalog_not_found", fmt.Sprintf("no model catalog for provider %q", id),
		map[string]any{"provider": id, "key": catalog.ModelsKey(id)})
}
