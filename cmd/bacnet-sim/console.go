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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/rodopg1989/bacnet-simulator/internal/api"
)

var consoleCmd = &cobra.Command{
	Use:     "console",
	Aliases: []string{"interactive", "shell"},
	Short:   "Interactive shell over the management API",
	Long: `Console opens a shell connected to a running simulator.

Commands:
  list                      - List points
  get <type> <id>           - Show one point
  add <type> <id> <name> [value]
                            - Create a point
  set <type> <id> <value>   - Change a value
  device                    - Show the device
  health                    - Check the API
  watch [on|off]            - Stream point events
  help                      - Show help
  exit                      - Leave the console

Examples:
  sim> list
  sim> set av 1 22.5
  sim> set bv 1 off`,

	Args: cobra.NoArgs,
	RunE: runConsole,
}

type console struct {
	client *apiClient
	rl     *readline.Instance
	out    io.Writer
	watch  *websocket.Conn
}

func runConsole(cmd *cobra.Command, _ []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sim> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list"),
			readline.PcItem("get"),
			readline.PcItem("add"),
			readline.PcItem("set"),
			readline.PcItem("device"),
			readline.PcItem("health"),
			readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()

	c := &console{client: newAPIClient(), rl: rl, out: rl.Stdout()}
	defer c.stopWatch()

	fmt.Fprintf(c.out, "BACnet simulator console (%s)\n", c.client.base)
	fmt.Fprintln(c.out, "Type 'help' for available commands, 'exit' to quit")

	ctx := cmd.Context()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if !c.exec(ctx, strings.ToLower(parts[0]), parts[1:]) {
			return nil
		}
	}
}

// exec runs one command. It returns false when the console should exit.
func (c *console) exec(ctx context.Context, command string, args []string) bool {
	var err error
	switch command {
	case "exit", "quit", "q":
		fmt.Fprintln(c.out, "Goodbye!")
		return false
	case "help", "?":
		c.printHelp()
	case "list", "ls":
		err = c.list(ctx)
	case "get":
		err = c.get(ctx, args)
	case "add":
		err = c.add(ctx, args)
	case "set":
		err = c.set(ctx, args)
	case "device", "info":
		err = c.device(ctx)
	case "health":
		err = c.health(ctx)
	case "watch":
		err = c.toggleWatch(ctx, args)
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for available commands)\n", command)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Available commands:
  list                              List all points
  get <type> <id>                   Show one point
  add <type> <id> <name> [value]    Create a point (value defaults to 0)
  set <type> <id> <value>           Change a present value
  device                            Show the simulated device
  health                            Check the management API
  watch [on|off]                    Stream point events
  help                              Show this help message
  exit                              Leave the console

Types: AI, AO, AV, BV
Values: numbers, or true/false and on/off for BV`)
}

func (c *console) list(ctx context.Context) error {
	objs, err := c.client.List(ctx)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		fmt.Fprintln(c.out, "No points")
		return nil
	}
	return printObjects(c.formatter(), objs)
}

func (c *console) get(ctx context.Context, args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: get <type> <id>")
		return nil
	}
	obj, err := c.client.Get(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return printObjects(c.formatter(), []api.ObjectJSON{obj})
}

func (c *console) add(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		fmt.Fprintln(c.out, "Usage: add <type> <id> <name> [value]")
		return nil
	}
	id, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[1])
	}
	var value any = 0.0
	if len(args) == 4 {
		if value, err = parsePointValue(args[3]); err != nil {
			return err
		}
	}
	obj, err := c.client.Create(ctx, args[0], uint32(id), args[2], value)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Created %s %d %q = %s\n", obj.Type, obj.ID, obj.Name, strconv.FormatFloat(obj.Value, 'f', -1, 64))
	return nil
}

func (c *console) set(ctx context.Context, args []string) error {
	if len(args) != 3 {
		fmt.Fprintln(c.out, "Usage: set <type> <id> <value>")
		return nil
	}
	value, err := parsePointValue(args[2])
	if err != nil {
		return err
	}
	res, err := c.client.Set(ctx, args[0], args[1], value)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %d = %s\n", res.Type, res.ID, strconv.FormatFloat(res.Value, 'f', -1, 64))
	return nil
}

func (c *console) device(ctx context.Context) error {
	d, err := c.client.Device(ctx)
	if err != nil {
		return err
	}
	c.formatter().PrintKeyValue(map[string]any{
		"Device ID":   d.ID,
		"Name":        d.Name,
		"Address":     d.Address,
		"Vendor":      fmt.Sprintf("%s (%d)", d.VendorName, d.VendorID),
		"Model":       d.ModelName,
		"Description": d.Description,
		"Location":    d.Location,
		"Max APDU":    d.MaxAPDU,
		"Points":      d.Objects,
	}, []string{"Device ID", "Name", "Address", "Vendor", "Model", "Description", "Location", "Max APDU", "Points"})
	return nil
}

func (c *console) health(ctx context.Context) error {
	h, err := c.client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "status=%v version=%v\n", h["status"], h["version"])
	return nil
}

func (c *console) toggleWatch(ctx context.Context, args []string) error {
	on := c.watch == nil
	if len(args) > 0 {
		on = strings.EqualFold(args[0], "on")
	}
	if !on {
		c.stopWatch()
		fmt.Fprintln(c.out, "Watch stopped")
		return nil
	}
	if c.watch != nil {
		return nil
	}

	wsURL := "ws" + strings.TrimPrefix(c.client.base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	c.watch = conn
	go c.readEvents(conn)
	fmt.Fprintln(c.out, "Watching point events")
	return nil
}

func (c *console) stopWatch() {
	if c.watch != nil {
		c.watch.Close()
		c.watch = nil
	}
}

// readEvents prints events until conn is closed.
func (c *console) readEvents(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type      string         `json:"type"`
			EventType string         `json:"event_type"`
			Payload   api.PointEvent `json:"payload"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Type != api.WSTypeEvent {
			continue
		}
		o := msg.Payload.Object
		fmt.Fprintf(c.out, "[%s] %s %d %q %s -> %s\n", msg.EventType, o.Type, o.ID, o.Name,
			strconv.FormatFloat(msg.Payload.Previous, 'f', -1, 64),
			strconv.FormatFloat(o.Value, 'f', -1, 64))
	}
}

func (c *console) formatter() *Formatter {
	f := NewFormatter(outputFmt)
	f.SetWriter(c.out)
	return f
}
