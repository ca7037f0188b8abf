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

// Command llmcouncil runs the LLM Council deliberation server.
//
// Usage:
//
//	llmcouncil serve
//	llmcouncil serve --config council.yaml --port 8000
//	llmcouncil version
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	llmcouncil "github.com/kadirpekel/llmcouncil"
	"github.com/kadirpekel/llmcouncil/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the deliberation server."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to YAML config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(llmcouncil.GetVersion().String())
	return nil
}

// setupLogging configures the process logger from CLI flags, falling
// back to the loaded config for unset flags.
func setupLogging(cli *CLI, levelStr, format string) error {
	if cli.LogLevel != "" {
		levelStr = cli.LogLevel
	}
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return err
		}
		// The file stays open for the process lifetime.
		_ = cleanup
		output = file
	}
	logger.Init(level, output, format)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("llmcouncil"),
		kong.Description("Multi-model deliberation server: council rankings and arena debates over one LLM gateway."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
