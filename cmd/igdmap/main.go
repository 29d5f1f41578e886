// igdmap keeps port forwarding rules in place on a UPnP Internet Gateway Device.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	upnp "github.com/sibexico/upnp-portmap"
	"github.com/sibexico/upnp-portmap/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "igdmap",
		Short: "Keep UPnP port mappings in place on the home router",
		Long: `igdmap discovers the default gateway with SSDP and makes sure the port
forwarding rules listed in the config file exist on it. Rules that follow
this host ("address: self") are moved when the host's LAN address changes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "commit",
			Short: "Verify every rule once and add missing mappings",
			RunE:  runCommit,
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Keep the rules in place, re-checking every interval",
			RunE:  runWatch,
		},
		&cobra.Command{
			Use:   "external-ip",
			Short: "Print the router's WAN address",
			RunE:  runExternalIP,
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print every mapping on the router",
			RunE:  runList,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the router mappings of every configured rule",
			RunE:  runClear,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// newClient builds a client with every configured rule registered.
func newClient(cfg *config.Config, opts ...upnp.Option) (*upnp.Client, error) {
	client := upnp.New(cfg.ClientConfig(), opts...)
	for i, rc := range cfg.Rules {
		rule, err := rc.Rule()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, err := client.AddRule(rule); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCommit(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	status := client.Commit(ctx)
	fmt.Println(status)
	if !status.OK() {
		return fmt.Errorf("commit failed: %s", status)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		return errors.New("no rules configured")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	client, err := newClient(cfg, upnp.WithMetrics(upnp.NewMetrics(reg)))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("listen", cfg.MetricsListen).Msg("metrics server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	interval := cfg.UpdateInterval()
	fallback := func() {
		log.Warn().Msg("gateway keeps failing, it will be rediscovered on the next update")
	}

	// The first update runs right away; later ones follow the interval.
	status := client.Commit(ctx)
	log.Info().Stringer("status", status).Msg("initial commit")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			if s := client.Update(ctx, interval, fallback); s != upnp.StatusNoOp {
				log.Info().Stringer("status", s).Msg("update")
			}
		}
	}
}

func runExternalIP(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	ip, err := upnp.New(cfg.ClientConfig()).ExternalIP(ctx)
	if err != nil {
		return err
	}
	fmt.Println(ip)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return upnp.New(cfg.ClientConfig()).PrintPortMappings(ctx, os.Stdout)
}

func runClear(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return client.Clear(ctx)
}
