// Command vrrpd runs a VRRPv2 speaker for every virtual router listed in a
// YAML configuration file.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/corvidae/vrrpd"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "vrrpd",
		Short:         "VRRPv2 (RFC 3768) virtual router redundancy daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "load the configuration and run every configured virtual router",
		RunE:  runDaemon,
	}
	run.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	_ = run.MarkFlagRequired("config")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := vrrpd.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	vrrpd.SetLogger(logger.Sugar())

	registry := prometheus.NewRegistry()
	metrics := vrrpd.NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, logger.Sugar())
	}

	osImpl, err := vrrpd.NewLinuxOS()
	if err != nil {
		return err
	}
	defer osImpl.Close()

	dispatcher := vrrpd.NewDispatcher(osImpl, metrics)

	vrs, err := cfg.BuildVirtualRouters(osImpl, dispatcher, metrics)
	if err != nil {
		return err
	}
	for _, vr := range vrs {
		if err := dispatcher.Register(vr); err != nil {
			return err
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- dispatcher.Run() }()

	fatal := make(chan struct{}, 1)
	for _, vr := range vrs {
		go func(vr *vrrpd.VirtualRouter) {
			<-vr.Fatal()
			select {
			case fatal <- struct{}{}:
			default:
			}
		}(vr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-fatal:
		_ = dispatcher.Shutdown()
		<-runErr
		return fmt.Errorf("vrrpd: a virtual router worker panicked")
	case err := <-runErr:
		if err != nil {
			return err
		}
	case <-sig:
		if err := dispatcher.Shutdown(); err != nil {
			return err
		}
		<-runErr
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("vrrpd: metrics server exited", "error", err)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid logLevel %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
