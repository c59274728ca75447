// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/photostream/georoute/pkg/geoip"
	"github.com/photostream/georoute/pkg/health"
)

// APIVersion reported by /api/health.
const APIVersion = "1.0.0"

// CheckFunc reports the state of one collaborator ("connected",
// "degraded", ...). Checks run on every /api/health request and must
// be cheap.
type CheckFunc func(ctx context.Context) string

// Handler is the public HTTP surface: /api/discover, /api/regions,
// /ping and /api/health.
type Handler struct {
	service    *Service
	aggregator *health.Aggregator
	regionName string

	checkNames []string
	checks     map[string]CheckFunc

	requestIDs *requestIDGenerator
	mux        *http.ServeMux
}

// NewHandler wires the routes. regionName identifies the server
// answering /ping and /api/health; "unknown" when unset.
func NewHandler(service *Service, aggregator *health.Aggregator, regionName string) *Handler {
	if regionName == "" {
		regionName = "unknown"
	}
	h := &Handler{
		service:    service,
		aggregator: aggregator,
		regionName: regionName,
		checks:     make(map[string]CheckFunc),
		requestIDs: newRequestIDGenerator(),
		mux:        http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// RegisterCheck adds a collaborator check to /api/health under the
// given key. Must be called before the handler starts serving.
func (h *Handler) RegisterCheck(name string, check CheckFunc) {
	if _, seen := h.checks[name]; !seen {
		h.checkNames = append(h.checkNames, name)
	}
	h.checks[name] = check
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.requestIDs.wrap(h.mux).ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/discover", h.discover)
	h.mux.HandleFunc("GET /api/regions", h.regions)
	h.mux.HandleFunc("GET /ping", h.ping)
	h.mux.HandleFunc("GET /api/health", h.health)
}

// === Request/Response types ===

type locationPayload struct {
	Continent string   `json:"continent"`
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type discoverResponse struct {
	Server           string           `json:"server"`
	Region           string           `json:"region"`
	ClientIP         string           `json:"client_ip"`
	DetectedLocation *locationPayload `json:"detected_location"`
	Reason           string           `json:"reason,omitempty"`
}

type pingResponse struct {
	Pong      bool   `json:"pong"`
	Region    string `json:"region"`
	Timestamp int64  `json:"timestamp"`
}

// === Handlers ===

func (h *Handler) discover(w http.ResponseWriter, r *http.Request) {
	result := h.service.Discover(r.Context(), ClientIP(r))

	h.writeJSON(w, http.StatusOK, discoverResponse{
		Server:           result.Server,
		Region:           result.Region,
		ClientIP:         result.ClientIP,
		DetectedLocation: toLocationPayload(result.Location),
		Reason:           result.Reason,
	})
}

func (h *Handler) regions(w http.ResponseWriter, r *http.Request) {
	report := h.aggregator.Report(r.Context())
	h.writeJSON(w, http.StatusOK, report)
}

// ping answers with constant cost: no registry, no resolver, no
// collaborator reads. Latency races depend on this staying flat.
func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, pingResponse{
		Pong:      true,
		Region:    h.regionName,
		Timestamp: time.Now().Unix(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":      string(health.StatusHealthy),
		"region":      h.regionName,
		"api_version": APIVersion,
	}
	for _, name := range h.checkNames {
		body[name] = h.checks[name](r.Context())
	}
	h.writeJSON(w, http.StatusOK, body)
}

func toLocationPayload(loc *geoip.Location) *locationPayload {
	if loc == nil {
		return nil
	}
	return &locationPayload{
		Continent: loc.ContinentCode,
		Country:   loc.CountryCode,
		City:      loc.City,
		Region:    loc.RegionName,
		Longitude: loc.Longitude,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
