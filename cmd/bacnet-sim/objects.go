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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rodopg1989/bacnet-simulator/internal/api"
)

var addValue string

var objectsCmd = &cobra.Command{
	Use:     "objects",
	Aliases: []string{"obj", "points"},
	Short:   "Manage the simulator's points over its HTTP API",
	Long: `Objects talks to a running simulator through its management API.

The API address comes from --api, or from api.host and api.port in the
configuration.

Examples:
  bacnet-sim objects list
  bacnet-sim objects get AV 1
  bacnet-sim objects add AI 2 OutsideAir --value 12.5
  bacnet-sim objects set BV 1 off`,
}

var objectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all points",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		objs, err := newAPIClient().List(cmd.Context())
		if err != nil {
			return err
		}
		return printObjects(NewFormatter(outputFmt), objs)
	},
}

var objectsGetCmd = &cobra.Command{
	Use:   "get TYPE ID",
	Short: "Show one point",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, err := newAPIClient().Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printObjects(NewFormatter(outputFmt), []api.ObjectJSON{obj})
	},
}

var objectsAddCmd = &cobra.Command{
	Use:   "add TYPE ID NAME",
	Short: "Create a point",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		var value any = 0.0
		if addValue != "" {
			if value, err = parsePointValue(addValue); err != nil {
				return err
			}
		}

		obj, err := newAPIClient().Create(cmd.Context(), args[0], uint32(id), args[2], value)
		if err != nil {
			return err
		}
		return printObjects(NewFormatter(outputFmt), []api.ObjectJSON{obj})
	},
}

var objectsSetCmd = &cobra.Command{
	Use:   "set TYPE ID VALUE",
	Short: "Change the present value of a point",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parsePointValue(args[2])
		if err != nil {
			return err
		}
		res, err := newAPIClient().Set(cmd.Context(), args[0], args[1], value)
		if err != nil {
			return err
		}

		f := NewFormatter(outputFmt)
		if f.format == FormatJSON {
			return f.JSON(res)
		}
		f.Printf("%s %d = %s\n", res.Type, res.ID, strconv.FormatFloat(res.Value, 'f', -1, 64))
		return nil
	},
}

func init() {
	objectsAddCmd.Flags().StringVar(&addValue, "value", "", "Initial value (default 0)")

	objectsCmd.AddCommand(objectsListCmd, objectsGetCmd, objectsAddCmd, objectsSetCmd)
}

func printObjects(f *Formatter, objs []api.ObjectJSON) error {
	rows := make([][]string, 0, len(objs))
	for _, o := range objs {
		rows = append(rows, []string{
			o.Type,
			strconv.FormatUint(uint64(o.ID), 10),
			o.Name,
			strconv.FormatFloat(o.Value, 'f', -1, 64),
		})
	}
	return f.Rows([]string{"TYPE", "ID", "NAME", "VALUE"}, rows, objs)
}

// parsePointValue accepts a number or a boolean word. Booleans are sent as
// JSON booleans.
func parsePointValue(s string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "active":
		return true, nil
	case "false", "off", "inactive":
		return false, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: expected a number or true/false", s)
	}
	return f, nil
}

// apiBaseURL is --api when given, otherwise the configured listen address.
// A wildcard host is reached on loopback.
func apiBaseURL() string {
	if apiURL != "" {
		return strings.TrimRight(apiURL, "/")
	}
	h := cfg.API.Host
	if h == "" || h == "0.0.0.0" || h == "::" {
		h = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(h, strconv.Itoa(cfg.API.Port))
}

// apiError is a failed API call.
type apiError struct {
	body api.Error
}

func (e *apiError) Error() string {
	if e.body.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.body.Status)
	}
	return fmt.Sprintf("api: %s (HTTP %d)", e.body.Message, e.body.Status)
}

// apiClient calls the simulator's management API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{base: apiBaseURL(), http: &http.Client{Timeout: timeout}}
}

func (c *apiClient) List(ctx context.Context) ([]api.ObjectJSON, error) {
	var out []api.ObjectJSON
	err := c.do(ctx, http.MethodGet, "/objects", nil, &out)
	return out, err
}

func (c *apiClient) Get(ctx context.Context, typ, id string) (api.ObjectJSON, error) {
	var out api.ObjectJSON
	err := c.do(ctx, http.MethodGet, objectPath(typ, id), nil, &out)
	return out, err
}

func (c *apiClient) Create(ctx context.Context, typ string, id uint32, name string, value any) (api.ObjectJSON, error) {
	var out struct {
		Object api.ObjectJSON `json:"object"`
	}
	body := map[string]any{"type": typ, "id": id, "name": name, "value": value}
	err := c.do(ctx, http.MethodPost, "/objects", body, &out)
	return out.Object, err
}

func (c *apiClient) Set(ctx context.Context, typ, id string, value any) (api.ValueJSON, error) {
	var out struct {
		Object api.ValueJSON `json:"object"`
	}
	err := c.do(ctx, http.MethodPatch, objectPath(typ, id), map[string]any{"value": value}, &out)
	return out.Object, err
}

func (c *apiClient) Device(ctx context.Context) (api.DeviceJSON, error) {
	var out api.DeviceJSON
	err := c.do(ctx, http.MethodGet, "/device", nil, &out)
	return out, err
}

func (c *apiClient) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func objectPath(typ, id string) string {
	return "/objects/" + url.PathEscape(typ) + "/" + url.PathEscape(id)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e := &apiError{}
		if err := json.NewDecoder(resp.Body).Decode(&e.body); err != nil || e.body.Status == 0 {
			e.body.Status = resp.StatusCode
		}
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api %s %s: decode response: %w", method, path, err)
	}
	return nil
}
