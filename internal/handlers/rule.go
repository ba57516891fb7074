package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"averagerule/internal/average"
	"averagerule/internal/plugin"
	"averagerule/internal/rule"
)

// RuleHandler exposes the plugin contract of one rule over HTTP.
type RuleHandler struct {
	handle      *plugin.Handle
	maxBodySize int64
}

// NewRuleHandler creates a handler for h.
func NewRuleHandler(h *plugin.Handle, maxBodySize int64) *RuleHandler {
	if maxBodySize == 0 {
		maxBodySize = 1024 * 1024
	}
	return &RuleHandler{handle: h, maxBodySize: maxBodySize}
}

// Routes mounts the rule endpoints on r.
func (h *RuleHandler) Routes(r chi.Router) {
	r.Get("/info", h.Info)
	r.Get("/triggers", h.Triggers)
	r.Get("/reason", h.Reason)
	r.Get("/config", h.Config)
	r.Put("/config", h.Reconfigure)
	r.Get("/config/default", h.DefaultConfig)
	r.Get("/averages", h.Averages)
	r.Get("/averages/{datapoint}", h.Average)
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Info handles GET /info.
func (h *RuleHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, plugin.Info())
}

// Triggers handles GET /triggers.
func (h *RuleHandler) Triggers(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, h.handle.Triggers())
}

// Reason handles GET /reason.
func (h *RuleHandler) Reason(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, h.handle.Reason())
}

// DefaultConfig handles GET /config/default.
func (h *RuleHandler) DefaultConfig(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, plugin.DefaultConfig())
}

// ConfigView is the active rule configuration in category terms.
type ConfigView struct {
	Asset       string `json:"asset"`
	Deviation   int64  `json:"deviation"`
	Direction   string `json:"direction"`
	AverageType string `json:"averageType"`
	Factor      int    `json:"factor"`
}

// Config handles GET /config. 404 until the rule has been configured.
func (h *RuleHandler) Config(w http.ResponseWriter, r *http.Request) {
	rl := h.handle.Rule()
	if rl == nil {
		writeError(w, http.StatusNotFound, "rule is not configured")
		return
	}
	cfg, ok := rl.Config()
	if !ok {
		writeError(w, http.StatusNotFound, "rule is not configured")
		return
	}
	writeJSON(w, http.StatusOK, ConfigView{
		Asset:       cfg.Asset,
		Deviation:   cfg.Deviation,
		Direction:   cfg.Direction.String(),
		AverageType: cfg.Average.String(),
		Factor:      cfg.Factor,
	})
}

// Reconfigure handles PUT /config with a configuration category document.
// A rejected category leaves the current configuration in force.
func (h *RuleHandler) Reconfigure(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if err := h.handle.Reconfigure(body); err != nil {
		var status int
		switch {
		case errors.Is(err, rule.ErrMissingField), errors.Is(err, rule.ErrInvalidValue):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, plugin.ErrNotInitialised):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	h.Config(w, r)
}

// Averages handles GET /averages.
func (h *RuleHandler) Averages(w http.ResponseWriter, r *http.Request) {
	rl := h.handle.Rule()
	if rl == nil {
		writeJSON(w, http.StatusOK, []average.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, rl.Averages())
}

// Average handles GET /averages/{datapoint}.
func (h *RuleHandler) Average(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "datapoint")
	rl := h.handle.Rule()
	if rl == nil {
		writeError(w, http.StatusNotFound, "unknown data point")
		return
	}
	snap, ok := rl.Average(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown data point")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
