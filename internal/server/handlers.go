package server

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"nettrace-guardian/internal/blocklist"
	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/dispatch"
	"nettrace-guardian/internal/ingest"
	"nettrace-guardian/internal/netif"
	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Engine    detection.Stats          `json:"engine"`
	Pipeline  response.Stats           `json:"pipeline"`
	Dispatch  dispatch.DispatchMetrics `json:"dispatch"`
	Ingest    *ingest.AdapterMetrics   `json:"ingest,omitempty"`
	RateLimit *RateLimiterStats        `json:"rate_limit,omitempty"`
	Handlers  []string                 `json:"handlers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Engine:   s.deps.Engine.Stats(),
		Pipeline: s.deps.Pipeline.Stats(),
		Dispatch: s.deps.Dispatcher.Metrics(),
		Handlers: s.deps.Pipeline.Handlers(),
	}
	if s.deps.Ingest != nil {
		m := s.deps.Ingest.Metrics()
		resp.Ingest = &m
	}
	if s.limiter != nil {
		rl := s.limiter.Stats()
		resp.RateLimit = &rl
	}
	respondJSON(w, http.StatusOK, resp)
}

// ThresholdView is one active detection rule.
type ThresholdView struct {
	PacketType       string  `json:"packet_type"`
	AttackType       string  `json:"attack_type"`
	Scope            string  `json:"scope"`
	MaxRatePerSecond float64 `json:"max_rate_per_second"`
	Window           string  `json:"window"`
	ThresholdCount   int     `json:"threshold_count"`
	Capacity         int     `json:"capacity"`
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Engine.Config()
	out := make([]ThresholdView, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		out = append(out, ThresholdView{
			PacketType:       t.PacketType.String(),
			AttackType:       t.PacketType.AttackType(),
			Scope:            string(t.Scope),
			MaxRatePerSecond: t.MaxRatePerSecond,
			Window:           t.Window.String(),
			ThresholdCount:   t.ThresholdCount(),
			Capacity:         t.EffectiveCapacity(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"thresholds":      out,
		"recovery_window": cfg.RecoveryWindow.String(),
		"idle_ttl":        cfg.IdleTTL.String(),
	})
}

// MitigationsResponse is the body of GET /v1/mitigations.
type MitigationsResponse struct {
	Records        []schema.MitigationRecord `json:"records"`
	Blocklist      []blocklist.Entry         `json:"blocklist,omitempty"`
	BlocklistError string                    `json:"blocklist_error,omitempty"`
}

func (s *Server) handleMitigations(w http.ResponseWriter, r *http.Request) {
	resp := MitigationsResponse{Records: s.deps.Pipeline.Records()}
	if s.deps.Blocklist != nil {
		entries, err := s.deps.Blocklist.Active(r.Context())
		if err != nil {
			s.logger.Warn("blocklist read failed", "error", err)
			resp.BlocklistError = err.Error()
		} else {
			resp.Blocklist = entries
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["ip"]
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	snap, ok := s.deps.Engine.SourceSnapshot(addr.String())
	if !ok {
		respondError(w, http.StatusNotFound, "source not tracked")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// InterfacesResponse is the body of GET /v1/interfaces.
type InterfacesResponse struct {
	Interfaces []netif.Interface `json:"interfaces"`
	Host       *netif.HostLoad   `json:"host,omitempty"`
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := s.deps.Interfaces.List(r.Context())
	if err != nil {
		s.logger.Error("interface inventory failed", "error", err)
		respondError(w, http.StatusInternalServerError, "interface inventory failed")
		return
	}

	resp := InterfacesResponse{Interfaces: ifaces}
	if host, err := s.deps.Interfaces.Host(r.Context()); err == nil {
		resp.Host = &host
	} else {
		s.logger.Debug("host load unavailable", "error", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reload(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if schema.IsConfigError(err) {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
