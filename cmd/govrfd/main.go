//
// Copyright (C) 2024 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/osrg/govrf/internal/pkg/version"
	"github.com/osrg/govrf/pkg/config"
	"github.com/osrg/govrf/pkg/server"
)

var opts struct {
	configFile    string
	configType    string
	logLevel      string
	logPlain      bool
	disableStdlog bool
	dryRun        bool
	pprofHost     string
	pprofDisable  bool
	metricsPath   string
	watchLinks    bool
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}
	var w io.Writer = os.Stderr
	if opts.disableStdlog {
		w = io.Discard
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.logPlain {
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, hopts)), nil
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	var currentConfig *config.Config
	if opts.configFile != "" {
		currentConfig, err = config.ReadConfigFile(opts.configFile, opts.configType)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	if opts.dryRun {
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s := server.NewServer(logger)
	go s.Serve(ctx)

	httpMux := http.NewServeMux()
	if !opts.pprofDisable {
		httpMux.HandleFunc("/debug/pprof/", pprof.Index)
		httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if opts.metricsPath != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(server.NewVrfMetricsCollector(s))
		httpMux.Handle(opts.metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	if !opts.pprofDisable || opts.metricsPath != "" {
		go func() {
			if err := http.ListenAndServe(opts.pprofHost, httpMux); err != nil {
				logger.Error("http listener failed",
					slog.String("Topic", "main"),
					slog.Any("Error", err))
			}
		}()
	}

	if currentConfig != nil {
		if err := config.InitialConfig(logger, s, currentConfig); err != nil {
			logger.Error("failed to apply initial configuration",
				slog.String("Topic", "main"),
				slog.Any("Error", err))
		}
	}

	if opts.watchLinks {
		go func() {
			if err := s.WatchLinks(ctx); err != nil {
				logger.Error("link watcher failed",
					slog.String("Topic", "main"),
					slog.Any("Error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			logger.Info("shutting down",
				slog.String("Topic", "main"),
				slog.String("Signal", sig.String()))
			cancel()
			return nil
		}
		if opts.configFile == "" {
			continue
		}
		logger.Info("reloading configuration",
			slog.String("Topic", "main"),
			slog.String("Key", opts.configFile))
		newConfig, err := config.ReadConfigFile(opts.configFile, opts.configType)
		if err != nil {
			logger.Error("failed to read config file, keeping the running config",
				slog.String("Topic", "main"),
				slog.Any("Error", err))
			continue
		}
		currentConfig, err = config.UpdateConfig(logger, s, currentConfig, newConfig)
		if err != nil {
			logger.Error("failed to apply updated configuration",
				slog.String("Topic", "main"),
				slog.Any("Error", err))
		}
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "govrfd",
		Short:         "VRF route leaking daemon",
		Version:       version.Version(),
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.configFile, "config-file", "f", "", "specifying a config file")
	f.StringVarP(&opts.configType, "config-type", "t", "toml", "specifying config type (toml, yaml, json)")
	f.StringVarP(&opts.logLevel, "log-level", "l", "info", "specifying log level")
	f.BoolVarP(&opts.logPlain, "log-plain", "p", false, "use plain format for logging (json by default)")
	f.BoolVar(&opts.disableStdlog, "disable-stdlog", false, "disable standard logging")
	f.BoolVarP(&opts.dryRun, "dry-run", "d", false, "check configuration")
	f.StringVar(&opts.pprofHost, "pprof-host", "localhost:6060", "specify the host that govrfd listens on for pprof and metrics")
	f.BoolVar(&opts.pprofDisable, "pprof-disable", false, "disable pprof profiling")
	f.StringVar(&opts.metricsPath, "metrics-path", "/metrics", "specify path for prometheus metrics, empty value disables them")
	f.BoolVar(&opts.watchLinks, "watch-links", false, "mirror kernel link state into the engine")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
