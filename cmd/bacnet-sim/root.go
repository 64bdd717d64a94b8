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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	outputFmt string
	verbose   bool
	apiURL    string

	// BACnet client flags
	host         string
	port         int
	deviceID     uint32
	timeout      time.Duration
	localAddress string

	v      = viper.New()
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bacnet-sim",
	Short: "BACnet/IP device simulator",
	Long: `bacnet-sim runs a simulated BACnet/IP device whose points are managed
over an HTTP API, and queries BACnet devices from the command line.

Examples:
  # Run the simulator with the default points
  bacnet-sim serve

  # List the simulator's points over the API
  bacnet-sim objects list

  # Change a value
  bacnet-sim objects set AV 1 22.5

  # Discover devices and read a value over BACnet
  bacnet-sim whois
  bacnet-sim read -d 1234 -O analog-value:1 -P present-value`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		cfg = loaded

		if cmd.Name() == "serve" {
			logger = logging.New(cfg.Logging, version)
		} else {
			logger = logging.NewWithWriter(os.Stderr, cfg.Logging, version)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./bacnet-sim.yaml or $HOME/bacnet-sim.yaml)")
	pf.StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv, raw)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.StringVar(&apiURL, "api", "", "Management API base URL (default derived from api.host and api.port)")

	pf.StringVarP(&host, "host", "H", "", "Target device IP address (skips discovery)")
	pf.IntVarP(&port, "port", "p", bacnet.DefaultPort, "BACnet/IP port")
	pf.Uint32VarP(&deviceID, "device", "d", 0, "Target device instance ID")
	pf.DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Request timeout")
	pf.StringVar(&localAddress, "local", "", "Local address to bind to (e.g., 0.0.0.0:47809)")

	v.BindPFlag("logging.level", pf.Lookup("log-level"))
	v.BindPFlag("logging.format", pf.Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(objectsCmd)
	rootCmd.AddCommand(whoisCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bacnet-sim version %s\n", version)
	},
}
