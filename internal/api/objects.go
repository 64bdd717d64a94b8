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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

var errBadValue = errors.New("value must be a number or a boolean")

// ObjectJSON is a point as the API shows it.
type ObjectJSON struct {
	Type  string  `json:"type"`
	ID    uint32  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ValueJSON is the object echoed by PATCH.
type ValueJSON struct {
	Type  string  `json:"type"`
	ID    uint32  `json:"id"`
	Value float64 `json:"value"`
}

// StatusResponse wraps a successful mutation.
type StatusResponse struct {
	Status string `json:"status"`
	Object any    `json:"object"`
}

// Value accepts a JSON number or boolean. Null and absence leave Set false.
type Value struct {
	Set   bool
	Float float64
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		v.Set, v.Float = true, f
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		v.Set = true
		if b {
			v.Float = 1
		}
		return nil
	}
	return errBadValue
}

type createRequest struct {
	Type  *string `json:"type"`
	ID    *int64  `json:"id"`
	Name  *string `json:"name"`
	Value Value   `json:"value"`
}

type patchRequest struct {
	Value Value `json:"value"`
}

func toObjectJSON(p registry.Point) ObjectJSON {
	return ObjectJSON{Type: p.Kind.Code(), ID: p.Instance, Name: p.Name, Value: p.Value}
}

func (s *Server) handleListObjects(w http.ResponseWriter, _ *http.Request) {
	points := s.registry.ListPoints()
	out := make([]ObjectJSON, 0, len(points))
	for _, p := range points {
		out = append(out, toObjectJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.Type == nil:
		writeBadRequest(w, "type is required")
		return
	case req.ID == nil:
		writeBadRequest(w, "id is required")
		return
	case req.Name == nil || *req.Name == "":
		writeBadRequest(w, "name is required")
		return
	}

	kind, err := registry.ParseKind(*req.Type)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("unknown object type %q: use AI, AO, AV or BV", *req.Type))
		return
	}
	if *req.ID < 0 || *req.ID > registry.MaxInstance {
		writeRegistryError(w, fmt.Errorf("%w: id %d", registry.ErrInvalidInstance, *req.ID))
		return
	}

	p, err := s.registry.CreatePoint(kind, uint32(*req.ID), *req.Name, req.Value.Float)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, StatusResponse{Status: "ok", Object: toObjectJSON(p)})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := objectKey(w, r)
	if !ok {
		return
	}
	p, err := s.registry.Get(kind, id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObjectJSON(p))
}

func (s *Server) handlePatchObject(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := objectKey(w, r)
	if !ok {
		return
	}

	var req patchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Value.Set {
		writeBadRequest(w, "value is required")
		return
	}

	p, err := s.registry.UpdateValue(kind, id, req.Value.Float)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Object: ValueJSON{Type: p.Kind.Code(), ID: p.Instance, Value: p.Value},
	})
}

// objectKey parses {type}/{id}, answering 400 itself on failure.
func objectKey(w http.ResponseWriter, r *http.Request) (registry.Kind, uint32, bool) {
	kind, err := registry.ParseKind(chi.URLParam(r, "type"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return 0, 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid object id %q", chi.URLParam(r, "id")))
		return 0, 0, false
	}
	return kind, uint32(id), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		writeBadRequest(w, "request body is required")
	case errors.Is(err, errBadValue):
		writeBadRequest(w, errBadValue.Error())
	default:
		writeBadRequest(w, "invalid JSON body: "+err.Error())
	}
	return false
}
