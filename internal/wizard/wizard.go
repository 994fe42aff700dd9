// Package wizard provides an interactive setup wizard that produces a
// server configuration file.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nymea/libnymea-bluetoothserver/internal/config"
	"github.com/nymea/libnymea-bluetoothserver/internal/sysinfo"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	existing *config.Config
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{}
}

// LoadExisting loads an existing config file whose values become the
// form defaults.
func (w *Wizard) LoadExisting(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	w.existing = cfg
	return nil
}

// Run executes the interactive setup wizard and writes the resulting
// configuration file.
func (w *Wizard) Run() (*Result, error) {
	fmt.Println(titleStyle.Render("nymea Bluetooth Server Setup"))
	fmt.Println(infoStyle.Render("Configure advertising, device information and limits."))
	fmt.Println()

	cfg := w.existing
	if cfg == nil {
		cfg = config.Default()
	}

	configPath := "./config.yaml"
	advertiseName := cfg.AdvertiseName
	if advertiseName == "" {
		advertiseName = sysinfo.Hostname()
	}
	maxPacket := strconv.Itoa(cfg.Limits.MaxPacketSize)
	metricsEnabled := cfg.Metrics.Enabled
	metricsListen := cfg.Metrics.Listen

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config file path").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("path must not be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("Advertise name").
				Description("The BLE local name centrals see while scanning.").
				Value(&advertiseName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model number").
				Value(&cfg.DeviceInfo.ModelNumber),
			huh.NewInput().
				Title("Manufacturer name").
				Value(&cfg.DeviceInfo.ManufacturerName),
			huh.NewInput().
				Title("Firmware revision").
				Value(&cfg.DeviceInfo.FirmwareRevision),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&cfg.Logging.Level),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&cfg.Logging.Format),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Maximum packet size (bytes)").
				Value(&maxPacket).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("not a number")
					}
					if n < 1 || n > 65535 {
						return fmt.Errorf("must be between 1 and 65535")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Enable Prometheus metrics?").
				Value(&metricsEnabled),
			huh.NewInput().
				Title("Metrics listen address").
				Value(&metricsListen),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup aborted: %w", err)
	}

	cfg.AdvertiseName = advertiseName
	cfg.Limits.MaxPacketSize, _ = strconv.Atoi(maxPacket)
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.Listen = metricsListen

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Println(okStyle.Render("Configuration written to " + configPath))
	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

// writeConfig marshals the configuration and writes it to disk,
// creating parent directories as needed.
func writeConfig(cfg *config.Config, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
