// Package main provides the CLI entry point for the nymea Bluetooth
// server daemon.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nymea/libnymea-bluetoothserver/internal/config"
	"github.com/nymea/libnymea-bluetoothserver/internal/gatt"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/metrics"
	"github.com/nymea/libnymea-bluetoothserver/internal/server"
	"github.com/nymea/libnymea-bluetoothserver/internal/service"
	"github.com/nymea/libnymea-bluetoothserver/internal/sysinfo"
	"github.com/nymea/libnymea-bluetoothserver/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nymea-bluetoothd",
		Short: "nymea Bluetooth Server - BLE GATT service multiplexer",
		Long: `nymea-bluetoothd exposes application services over Bluetooth Low
Energy. Services share one GATT peripheral, each with a write and a
notify characteristic, and may opt into an authenticated encrypted
channel negotiated per connection.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(selftestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration file or falls back to defaults
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Bluetooth server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			return runServer(cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func runServer(cfg *config.Config, logger *slog.Logger) error {
	peripheral, err := gatt.Open(cfg.Adapter)
	if err != nil {
		return err
	}

	m := metrics.Default()
	srv := server.New(cfg, peripheral, logger, m)

	// The Wi-Fi configuration layer of the embedding product injects the
	// real handler; standalone the service only accepts the transport.
	if err := srv.RegisterService(service.NewNetworkManagerService(nil, logger)); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics endpoint listening", logging.KeyAddress, cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics endpoint failed", logging.KeyError, err)
			}
		}()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return srv.Stop()
}

func setupCmd() *cobra.Command {
	var fromConfig string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if fromConfig != "" {
				if err := w.LoadExisting(fromConfig); err != nil {
					return err
				}
			}
			_, err := w.Run()
			return err
		},
	}

	cmd.Flags().StringVar(&fromConfig, "from", "", "Existing config file to use as defaults")
	return cmd
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}
