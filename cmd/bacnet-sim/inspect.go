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
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
)

var watchInterval time.Duration

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display device information",
	Long: `Info reads the device object of a BACnet device.

Examples:
  bacnet-sim info -d 1234
  bacnet-sim info -H 127.0.0.1 -d 1234 -o json`,

	Args: cobra.NoArgs,
	RunE: runInfo,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a property and print changes",
	Long: `Watch reads a property at a fixed interval and prints it when it
changes. With --verbose every reading is printed.

Examples:
  bacnet-sim watch -d 1234 -O av:1
  bacnet-sim watch -d 1234 -O bv:1 --interval 500ms -o json`,

	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&objectArg, "object", "O", "", "Object (type:instance)")
	watchCmd.Flags().StringVarP(&propertyArg, "property", "P", "present-value", "Property")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
	watchCmd.MarkFlagRequired("object")
}

// deviceProperties are read by info, in display order.
var deviceProperties = []struct {
	name string
	prop bacnet.PropertyIdentifier
}{
	{"Object Name", bacnet.PropertyObjectName},
	{"Description", bacnet.PropertyDescription},
	{"Location", bacnet.PropertyLocation},
	{"Vendor Name", bacnet.PropertyVendorName},
	{"Vendor ID", bacnet.PropertyVendorIdentifier},
	{"Model Name", bacnet.PropertyModelName},
	{"Firmware Revision", bacnet.PropertyFirmwareRevision},
	{"Application Software", bacnet.PropertyApplicationSoftwareVersion},
	{"Protocol Version", bacnet.PropertyProtocolVersion},
	{"Protocol Revision", bacnet.PropertyProtocolRevision},
	{"System Status", bacnet.PropertySystemStatus},
	{"Max APDU Length", bacnet.PropertyMaxApduLengthAccepted},
	{"Segmentation", bacnet.PropertySegmentationSupported},
	{"Database Revision", bacnet.PropertyDatabaseRevision},
}

func runInfo(cmd *cobra.Command, _ []string) error {
	if err := requireDevice(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*timeout)
	defer cancel()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := readDeviceInfo(ctx, client)
	if err != nil {
		return err
	}

	f := NewFormatter(outputFmt)
	if f.format == FormatJSON {
		out := map[string]any{"device_id": deviceID, "timestamp": time.Now().UTC().Format(time.RFC3339)}
		for k, v := range info {
			out[k] = jsonValue(v)
		}
		return f.JSON(out)
	}

	order := make([]string, 0, len(deviceProperties)+1)
	pairs := make(map[string]any, len(info))
	for _, p := range deviceProperties {
		order = append(order, p.name)
	}
	order = append(order, "Object Count")
	for k, v := range info {
		pairs[k] = formatValue(v)
	}
	f.Printf("\n=== Device %d ===\n\n", deviceID)
	f.PrintKeyValue(pairs, order)
	f.Println()
	return nil
}

// readDeviceInfo asks for every device property in one ReadPropertyMultiple
// and falls back to single reads when the device rejects it.
func readDeviceInfo(ctx context.Context, client *bacnet.Client) (map[string]any, error) {
	device := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, deviceID)
	info := make(map[string]any, len(deviceProperties)+1)

	names := make(map[bacnet.PropertyIdentifier]string, len(deviceProperties))
	refs := make([]bacnet.PropertyReference, 0, len(deviceProperties))
	for _, p := range deviceProperties {
		names[p.prop] = p.name
		refs = append(refs, bacnet.PropertyReference{PropertyID: p.prop})
	}

	values, err := client.ReadPropertyMultiple(ctx, deviceID, []bacnet.ReadAccessSpec{{ObjectID: device, Properties: refs}})
	if err == nil {
		for _, pv := range values {
			if pv.Err == nil {
				info[names[pv.PropertyID]] = pv.Value
			}
		}
	} else {
		logger.Debug("ReadPropertyMultiple failed, reading properties one by one", "error", err.Error())
		for _, p := range deviceProperties {
			val, err := client.ReadProperty(ctx, deviceID, device, p.prop)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				continue
			}
			info[p.name] = val
		}
	}

	count, err := client.ReadProperty(ctx, deviceID, device, bacnet.PropertyObjectList, bacnet.WithArrayIndex(0))
	if err == nil {
		info["Object Count"] = count
	}
	return info, nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if err := requireDevice(); err != nil {
		return err
	}
	oid, prop, err := parseTarget()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	f := NewFormatter(outputFmt)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var last any
	first := true
	for {
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		value, err := client.ReadProperty(readCtx, deviceID, oid, prop)
		cancel()

		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil && first:
			return fmt.Errorf("read %s %s: %w", oid, prop, err)
		case err != nil:
			fmt.Fprintf(os.Stderr, "[%s] Error: %v\n", time.Now().Format("15:04:05.000"), err)
		default:
			changed := first || !reflect.DeepEqual(last, value)
			if changed || verbose {
				printWatchValue(f, time.Now(), oid, prop, value, changed)
			}
			last, first = value, false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printWatchValue(f *Formatter, t time.Time, oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, value any, changed bool) {
	switch f.format {
	case FormatJSON:
		//nolint:errcheck // stdout
		f.JSON(map[string]any{
			"time":     t.Format(time.RFC3339Nano),
			"object":   oid.String(),
			"property": prop.String(),
			"value":    jsonValue(value),
			"changed":  changed,
		})
	case FormatCSV:
		f.Printf("%s,%s,%s,%s,%v\n", t.Format(time.RFC3339Nano), oid, prop, formatValue(value), changed)
	default:
		marker := " "
		if changed {
			marker = "*"
		}
		f.Printf("[%s] %s %s.%s = %s\n", t.Format("15:04:05.000"), marker, oid, prop, formatValue(value))
	}
}
