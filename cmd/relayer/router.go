package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/DERACHAIN/bundler/chain"
)

type chainRegistry interface {
	HealthReport() map[string]error
	List() []*chain.Chain
	Get(id string) (*chain.Chain, error)
}

func newRouter(lggr logger.Logger, chains chainRegistry) http.Handler {
	h := &handlers{lggr: logger.Named(lggr, "HTTP"), chains: chains}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/chains", func(r chi.Router) {
		r.Get("/", h.listChains)
		r.Get("/{chainID}", h.getChain)
		r.Get("/{chainID}/nodes", h.listNodes)
	})
	return r
}

type handlers struct {
	lggr   logger.Logger
	chains chainRegistry
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	report := map[string]string{}
	for name, err := range h.chains.HealthReport() {
		if err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	h.writeJSON(w, status, report)
}

func (h *handlers) listChains(w http.ResponseWriter, r *http.Request) {
	out := []chain.Status{}
	for _, c := range h.chains.List() {
		s, err := c.GetChainStatus(r.Context())
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, s)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getChain(w http.ResponseWriter, r *http.Request) {
	c, err := h.chains.Get(chi.URLParam(r, "chainID"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	s, err := c.GetChainStatus(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	c, err := h.chains.Get(chi.URLParam(r, "chainID"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	pageSize := 0
	if v := r.URL.Query().Get("size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	stats, next, total, err := c.ListNodeStatuses(r.Context(), int32(pageSize), r.URL.Query().Get("page"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"nodes": stats, "next": next, "total": total})
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.lggr.Errorw("Failed to write response", "err", err)
	}
}
