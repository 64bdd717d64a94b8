// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/device", s.handleDevice)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/objects", func(r chi.Router) {
		r.Get("/", s.handleListObjects)
		r.Post("/", s.handleCreateObject)

		r.Route("/{type}/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetObject)
			r.Patch("/", s.handlePatchObject)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, r.Method+" not allowed on "+r.URL.Path)
	})
	return r
}

const healthCheckTimeout = 5 * time.Second

// handleHealth answers 200 while the API is up. A failing component turns
// the status to degraded but not the code, since the simulator still serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		components := make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				out["status"] = "degraded"
				continue
			}
			components[name] = "ok"
		}
		out["components"] = components
	}
	writeJSON(w, http.StatusOK, out)
}

// DeviceJSON describes the simulated device.
type DeviceJSON struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	VendorID    uint16 `json:"vendor_id,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	MaxAPDU     uint16 `json:"max_apdu,omitempty"`
	Objects     int    `json:"objects"`
}

func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	dev := s.registry.Device()
	out := DeviceJSON{
		ID:      dev.ID,
		Name:    dev.Name,
		Address: dev.Address,
		Objects: s.registry.Len(),
	}
	if s.bacnet != nil {
		cfg := s.bacnet.DeviceConfig()
		out.VendorID = cfg.VendorID
		out.VendorName = cfg.VendorName
		out.ModelName = cfg.ModelName
		out.Description = cfg.Description
		out.Location = cfg.Location
		out.MaxAPDU = cfg.MaxAPDULength
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"points":            s.registry.Len(),
		"websocket_clients": s.hub.ClientCount(),
	}
	if s.bacnet != nil {
		out["bacnet"] = s.bacnet.Metrics().Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}
