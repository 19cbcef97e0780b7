// Package wizard writes a starter client configuration interactively.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/pkg/cli"
)

// DefaultOutput is where the config lands when no path is given.
const DefaultOutput = "./client-config.json"

// Wizard drives the interactive client config setup.
type Wizard struct {
	p     *cli.Prompter
	tools []string
}

// New creates a Wizard. tools are offered as the default capabilities.
func New(p *cli.Prompter, tools []string) *Wizard {
	return &Wizard{p: p, tools: tools}
}

// Run asks for the connection, identity and storage settings and writes
// the config to outputPath. systemdUnit, when set, also receives a unit
// file that runs the client.
func (w *Wizard) Run(outputPath, systemdUnit string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Toolbridge Client Setup")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("-", 38))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	_, _ = fmt.Fprintln(w.p.Out, "Hub Connection")
	cfg.Hub.URL = w.p.Ask("  Hub WebSocket URL", "ws://localhost:8080/ws")
	cfg.Hub.Token = w.p.Ask("  Session token (empty for anonymous)", "")
	cfg.Hub.UserID = w.p.Ask("  User ID (optional)", "")
	cfg.Hub.Format = w.p.Choose("  Wire format", []string{"envelope", "legacy"}, 0)
	_, _ = fmt.Fprintln(w.p.Out)

	_, _ = fmt.Fprintln(w.p.Out, "Client")
	cfg.Client.Type = w.p.Choose("  Client type", []string{"cli", "hardware"}, 0)
	caps := w.p.AskList("  Tools to announce", w.tools)
	if !sameList(caps, w.tools) {
		cfg.Client.Capabilities = caps
	}
	_, _ = fmt.Fprintln(w.p.Out)

	_, _ = fmt.Fprintln(w.p.Out, "Session Storage")
	cfg.Storage.Driver = w.p.Choose("  Store", []string{"file", "sqlite", "memory"}, 0)
	switch cfg.Storage.Driver {
	case "file":
		cfg.Storage.Path = w.p.Ask("  State file path", "toolbridge-client-state.json")
	case "sqlite":
		cfg.Storage.Path = w.p.Ask("  SQLite database path", "toolbridge-client.db")
	}
	_, _ = fmt.Fprintln(w.p.Out)

	if w.p.Confirm("Enable the local control socket (status, logs)?", true) {
		cfg.Control.Socket = w.p.Ask("  Socket path", "./toolbridge-client.sock")
	}
	cfg.Logging.Level = w.p.Choose("Log level", []string{"info", "debug", "warn", "error"}, 0)

	if err := cfg.Finalize(); err != nil {
		return err
	}

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", DefaultOutput)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)

	if systemdUnit != "" {
		if err := w.writeSystemdUnit(systemdUnit, outputPath); err != nil {
			return err
		}
	}

	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    toolbridge-client run %s\n\n", outputPath)
	return nil
}

func (w *Wizard) writeSystemdUnit(unitPath, configPath string) error {
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	unit := fmt.Sprintf(`[Unit]
Description=Toolbridge Client
After=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/toolbridge-client run %s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`, absConfig)

	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	_, _ = fmt.Fprintf(w.p.Out, "  Systemd unit written to %s\n", unitPath)
	return nil
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
