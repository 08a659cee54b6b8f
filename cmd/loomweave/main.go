// Copyright 2025 Kadir Pekel
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

// Command loomweave is the CLI entrypoint: a chi-routed HTTP/SSE server,
// an unattended auto-play driver, a config validator, and a version
// report, all sharing the same storage root and collaborator wiring.
//
// Ported from hector's cmd/hector/main.go: a kong.CLI struct with one
// field per subcommand, each subcommand its own Run(cli *CLI) method in
// its own file.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI is the top-level command table.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP/SSE API server."`
	Autoplay AutoplayCmd `cmd:"" help:"Run an unattended auto-play session."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("loomweave version %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("loomweave"),
		kong.Description("A branching-narrative game engine: turn pipeline, branch tree, and auto-play driver."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "loomweave:", err)
		os.Exit(1)
	}
}
