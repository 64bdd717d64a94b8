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
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
)

var (
	whoisLow     uint32
	whoisHigh    uint32
	whoisTarget  string
	whoisTimeout time.Duration

	objectArg   string
	propertyArg string
	arrayIndex  int64

	writeValue    string
	writePriority uint8

	dumpFile       string
	dumpProperties []string
	dumpObjects    []string
)

var whoisCmd = &cobra.Command{
	Use:     "whois",
	Aliases: []string{"scan", "discover"},
	Short:   "Discover BACnet devices with Who-Is",
	Long: `Whois broadcasts a Who-Is request and lists the devices that answer
with I-Am.

Examples:
  # Discover every device on the local network
  bacnet-sim whois

  # Limit the instance range
  bacnet-sim whois --low 1000 --high 2000

  # Ask one host directly
  bacnet-sim whois --target 192.168.1.50`,

	Args: cobra.NoArgs,
	RunE: runWhois,
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a property from a BACnet object",
	Long: `Read sends a ReadProperty request to a device.

Objects are written as type:instance, with full or short type names
(analog-value:1, av:1). Properties use their hyphenated names or numbers.

Examples:
  # Read the present value of AV 1 on device 1234
  bacnet-sim read -d 1234 -O av:1 -P present-value

  # Skip discovery
  bacnet-sim read -H 192.168.1.50 -d 1234 -O ai:1 -P object-name

  # Read one element of the object list
  bacnet-sim read -d 1234 -O device:1234 -P object-list --index 1`,

	Args: cobra.NoArgs,
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a property on a BACnet object",
	Long: `Write sends a WriteProperty request to a device.

Values are parsed as null, true/false (also active/inactive, on/off),
quoted strings, reals (when they contain a dot) or integers. Present
values are converted to what the object type expects: REAL for analog
objects and ENUMERATED for binary ones.

Examples:
  # Set AV 1 to 22.5
  bacnet-sim write -d 1234 -O av:1 -P present-value -V 22.5

  # Switch BV 1 on
  bacnet-sim write -d 1234 -O bv:1 -P present-value -V active

  # Write with priority 8
  bacnet-sim write -d 1234 -O ao:1 -P present-value -V 75 --priority 8`,

	Args: cobra.NoArgs,
	RunE: runWrite,
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the objects and properties of a device",
	Long: `Dump reads the object list of a device and the selected properties of
every object.

Examples:
  # Dump the simulator
  bacnet-sim dump -d 1234

  # Dump to a JSON file
  bacnet-sim dump -d 1234 -f device.json -o json

  # Only analog values
  bacnet-sim dump -d 1234 --objects analog-value`,

	Args: cobra.NoArgs,
	RunE: runDump,
}

func init() {
	whoisCmd.Flags().Uint32Var(&whoisLow, "low", 0, "Low instance limit")
	whoisCmd.Flags().Uint32Var(&whoisHigh, "high", bacnet.MaxInstance, "High instance limit")
	whoisCmd.Flags().StringVar(&whoisTarget, "target", "", "Unicast target instead of broadcast")
	whoisCmd.Flags().DurationVar(&whoisTimeout, "scan-timeout", 3*time.Second, "How long to collect I-Am answers")

	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().StringVarP(&objectArg, "object", "O", "", "Object (type:instance)")
		c.Flags().StringVarP(&propertyArg, "property", "P", "present-value", "Property")
		c.Flags().Int64Var(&arrayIndex, "index", -1, "Array index")
		c.MarkFlagRequired("object")
	}

	writeCmd.Flags().StringVarP(&writeValue, "value", "V", "", "Value to write")
	writeCmd.Flags().Uint8Var(&writePriority, "priority", 0, "Write priority (1-16, 0 for none)")
	writeCmd.MarkFlagRequired("value")

	dumpCmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().StringSliceVar(&dumpProperties, "props", []string{"object-name", "present-value", "units", "status-flags"}, "Properties to read")
	dumpCmd.Flags().StringSliceVar(&dumpObjects, "objects", nil, "Object types to include (default: all)")
}

// createClient builds a connected client. With --host the target device is
// registered directly and discovery is skipped.
func createClient(ctx context.Context) (*bacnet.Client, error) {
	opts := []bacnet.Option{
		bacnet.WithTimeout(timeout),
		bacnet.WithLogger(logger),
	}
	if localAddress != "" {
		opts = append(opts, bacnet.WithLocalAddress(localAddress))
	}

	client := bacnet.NewClient(opts...)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil {
			client.Close()
			return nil, fmt.Errorf("invalid host %q", host)
		}
		client.AddDevice(deviceID, &net.UDPAddr{IP: ip, Port: port})
	}
	return client, nil
}

func requireDevice() error {
	if deviceID == 0 && host == "" {
		return errors.New("a device is required: use -d/--device")
	}
	return nil
}

func runWhois(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), whoisTimeout+timeout)
	defer cancel()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := []bacnet.DiscoverOption{
		bacnet.WithDeviceRange(whoisLow, whoisHigh),
		bacnet.WithDiscoveryTimeout(whoisTimeout),
		bacnet.WithBroadcastPort(port),
	}
	target := whoisTarget
	if target == "" && host != "" {
		target = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if target != "" {
		opts = append(opts, bacnet.WithDiscoveryTarget(target))
	}

	devices, err := client.WhoIs(ctx, opts...)
	if err != nil {
		return err
	}

	type record struct {
		DeviceID     uint32 `json:"device_id"`
		Address      string `json:"address"`
		VendorID     uint16 `json:"vendor_id"`
		MaxAPDU      uint16 `json:"max_apdu"`
		Segmentation string `json:"segmentation"`
	}
	records := make([]record, 0, len(devices))
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		r := record{
			DeviceID:     d.ObjectID.Instance,
			Address:      formatAddress(d.Address),
			VendorID:     d.VendorID,
			MaxAPDU:      d.MaxAPDULength,
			Segmentation: d.Segmentation.String(),
		}
		records = append(records, r)
		rows = append(rows, []string{
			strconv.FormatUint(uint64(r.DeviceID), 10),
			r.Address,
			strconv.FormatUint(uint64(r.VendorID), 10),
			strconv.FormatUint(uint64(r.MaxAPDU), 10),
			r.Segmentation,
		})
	}

	f := NewFormatter(outputFmt)
	if len(devices) == 0 && f.format == FormatTable {
		fmt.Fprintln(os.Stderr, "No devices found")
		return nil
	}
	return f.Rows([]string{"DEVICE", "ADDRESS", "VENDOR", "MAX APDU", "SEGMENTATION"}, rows, records)
}

func parseTarget() (bacnet.ObjectIdentifier, bacnet.PropertyIdentifier, error) {
	oid, err := bacnet.ParseObjectIdentifier(objectArg)
	if err != nil {
		return bacnet.ObjectIdentifier{}, 0, err
	}
	prop, err := parseProperty(propertyArg)
	if err != nil {
		return bacnet.ObjectIdentifier{}, 0, err
	}
	return oid, prop, nil
}

func parseProperty(s string) (bacnet.PropertyIdentifier, error) {
	if p, ok := bacnet.ParsePropertyIdentifier(s); ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown property %q", s)
	}
	return bacnet.PropertyIdentifier(n), nil
}

func runRead(cmd *cobra.Command, _ []string) error {
	if err := requireDevice(); err != nil {
		return err
	}
	oid, prop, err := parseTarget()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*timeout)
	defer cancel()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []bacnet.ReadOption
	if arrayIndex >= 0 {
		opts = append(opts, bacnet.WithArrayIndex(uint32(arrayIndex)))
	}

	value, err := client.ReadProperty(ctx, deviceID, oid, prop, opts...)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", oid, prop, err)
	}

	f := NewFormatter(outputFmt)
	switch f.format {
	case FormatJSON:
		return f.JSON(map[string]any{
			"device_id": deviceID,
			"object":    oid.String(),
			"property":  prop.String(),
			"value":     jsonValue(value),
		})
	case FormatRaw:
		f.Println(formatValue(value))
		return nil
	default:
		return f.Rows([]string{"OBJECT", "PROPERTY", "VALUE"},
			[][]string{{oid.String(), prop.String(), formatValue(value)}}, nil)
	}
}

func runWrite(cmd *cobra.Command, _ []string) error {
	if err := requireDevice(); err != nil {
		return err
	}
	oid, prop, err := parseTarget()
	if err != nil {
		return err
	}
	if writePriority > 16 {
		return fmt.Errorf("priority must be between 1 and 16, got %d", writePriority)
	}
	if arrayIndex >= 0 {
		return errors.New("array index is not supported for writes")
	}

	value, err := parseValue(writeValue)
	if err != nil {
		return err
	}
	value, err = coerceValue(oid.Type, prop, value)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*timeout)
	defer cancel()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []bacnet.WriteOption
	if writePriority > 0 {
		opts = append(opts, bacnet.WithPriority(writePriority))
	}
	if err := client.WriteProperty(ctx, deviceID, oid, prop, value, opts...); err != nil {
		return fmt.Errorf("write %s %s: %w", oid, prop, err)
	}

	f := NewFormatter(outputFmt)
	if f.format == FormatJSON {
		return f.JSON(map[string]any{
			"device_id": deviceID,
			"object":    oid.String(),
			"property":  prop.String(),
			"value":     jsonValue(value),
			"status":    "ok",
		})
	}
	f.Printf("Wrote %s to %s %s\n", formatValue(value), oid, prop)
	return nil
}

// parseValue guesses the BACnet type of a command-line value.
func parseValue(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty value")
	}

	switch strings.ToLower(s) {
	case "null":
		return nil, nil
	case "true", "active", "on":
		return true, nil
	case "false", "inactive", "off":
		return false, nil
	}

	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1], nil
	}

	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return float32(f), nil
		}
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i < 0 {
			if i < -1<<31 {
				return nil, fmt.Errorf("value %s out of range", s)
			}
			return int32(i), nil
		}
		if i > 1<<32-1 {
			return nil, fmt.Errorf("value %s out of range", s)
		}
		return uint32(i), nil
	}

	return s, nil
}

// coerceValue converts a parsed present value to the application type the
// object expects. Other properties are written as parsed.
func coerceValue(t bacnet.ObjectType, prop bacnet.PropertyIdentifier, value any) (any, error) {
	if prop != bacnet.PropertyPresentValue || value == nil {
		return value, nil
	}

	switch {
	case t.IsBinary():
		switch v := value.(type) {
		case bool:
			if v {
				return bacnet.Enumerated(1), nil
			}
			return bacnet.Enumerated(0), nil
		case uint32:
			if v > 1 {
				return nil, fmt.Errorf("binary present value must be 0 or 1, got %d", v)
			}
			return bacnet.Enumerated(v), nil
		}
		return nil, fmt.Errorf("binary present value must be active/inactive or 0/1, got %q", formatValue(value))
	case t.IsAnalog():
		switch v := value.(type) {
		case float32:
			return v, nil
		case uint32:
			return float32(v), nil
		case int32:
			return float32(v), nil
		}
		return nil, fmt.Errorf("analog present value must be numeric, got %q", formatValue(value))
	}
	return value, nil
}

// DumpObject is one object of a dump.
type DumpObject struct {
	ObjectID   string         `json:"object_id"`
	ObjectType string         `json:"object_type"`
	Instance   uint32         `json:"instance"`
	Properties map[string]any `json:"properties"`
}

// DumpResult is the whole dump of a device.
type DumpResult struct {
	DeviceID  uint32       `json:"device_id"`
	Timestamp time.Time    `json:"timestamp"`
	Objects   []DumpObject `json:"objects"`
}

func runDump(cmd *cobra.Command, _ []string) error {
	if err := requireDevice(); err != nil {
		return err
	}

	props := make([]bacnet.PropertyIdentifier, 0, len(dumpProperties))
	for _, s := range dumpProperties {
		p, err := parseProperty(s)
		if err != nil {
			return err
		}
		props = append(props, p)
	}
	include := make(map[bacnet.ObjectType]bool, len(dumpObjects))
	for _, s := range dumpObjects {
		t, ok := bacnet.ParseObjectType(s)
		if !ok {
			return fmt.Errorf("unknown object type %q", s)
		}
		include[t] = true
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*timeout)
	defer cancel()

	client, err := createClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	objects, err := client.GetObjectList(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("read object list: %w", err)
	}

	result := DumpResult{DeviceID: deviceID, Timestamp: time.Now().UTC()}
	for _, oid := range objects {
		if len(include) > 0 && !include[oid.Type] {
			continue
		}
		obj, err := dumpObject(ctx, client, oid, props)
		if err != nil {
			return err
		}
		result.Objects = append(result.Objects, obj)
	}

	f := NewFormatter(outputFmt)
	if dumpFile != "" {
		file, err := os.Create(dumpFile)
		if err != nil {
			return err
		}
		defer file.Close()
		f.SetWriter(file)
	}
	if f.format == FormatJSON {
		return f.JSON(result)
	}

	headers := []string{"OBJECT"}
	for _, p := range props {
		headers = append(headers, strings.ToUpper(p.String()))
	}
	rows := make([][]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		row := []string{obj.ObjectID}
		for _, p := range props {
			v, ok := obj.Properties[p.String()]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, formatValue(v))
		}
		rows = append(rows, row)
	}
	return f.Rows(headers, rows, result)
}

// dumpObject reads props of one object with ReadPropertyMultiple. Properties
// the object does not have are left out.
func dumpObject(ctx context.Context, client *bacnet.Client, oid bacnet.ObjectIdentifier, props []bacnet.PropertyIdentifier) (DumpObject, error) {
	refs := make([]bacnet.PropertyReference, len(props))
	for i, p := range props {
		refs[i] = bacnet.PropertyReference{PropertyID: p}
	}

	values, err := client.ReadPropertyMultiple(ctx, deviceID, []bacnet.ReadAccessSpec{{ObjectID: oid, Properties: refs}})
	if err != nil {
		return DumpObject{}, fmt.Errorf("read %s: %w", oid, err)
	}

	obj := DumpObject{
		ObjectID:   oid.String(),
		ObjectType: oid.Type.String(),
		Instance:   oid.Instance,
		Properties: make(map[string]any, len(values)),
	}
	for _, pv := range values {
		if pv.Err != nil {
			logger.Debug("property skipped", "object", oid.String(), "property", pv.PropertyID.String(), "error", pv.Err.Error())
			continue
		}
		obj.Properties[pv.PropertyID.String()] = jsonValue(pv.Value)
	}
	return obj, nil
}
