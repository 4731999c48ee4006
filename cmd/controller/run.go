/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package controller implements the deploysync controller subcommand: the
// long-running service that reconciles environments, serves the trigger
// and status API, and exposes metrics and health probes.
package controller

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/deploysync/internal/build"
	"github.com/dc-tec/deploysync/internal/cluster"
	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	"github.com/dc-tec/deploysync/internal/history"
	"github.com/dc-tec/deploysync/internal/interfaces"
	"github.com/dc-tec/deploysync/internal/reconcile"
	"github.com/dc-tec/deploysync/internal/security"
	"github.com/dc-tec/deploysync/internal/server"
	"github.com/dc-tec/deploysync/internal/status"
	"github.com/dc-tec/deploysync/internal/store"
)

var setupLog = ctrl.Log.WithName("setup")

// Run starts the controller and blocks until SIGINT or SIGTERM. The
// returned value is the process exit code.
func Run(args []string) int {
	fs := flag.NewFlagSet("controller", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(),
		"Path to the deploysync HCL configuration file.")
	apiAddr := fs.String("api-bind-address", constants.DefaultAPIBindAddress,
		"The address the trigger/status API binds to.")
	metricsAddr := fs.String("metrics-bind-address", constants.DefaultMetricsBindAddress,
		"The address the metrics endpoint binds to.")
	probeAddr := fs.String("health-probe-bind-address", constants.DefaultHealthProbeBindAddress,
		"The address the probe endpoint binds to.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	log := ctrl.Log.WithName("deploysync")

	cfg, err := config.Load(*configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", *configPath)
		return 1
	}

	ctx := ctrl.SetupSignalHandler()

	envs := make([]reconcile.Env, 0, len(cfg.Environments))
	for _, envCfg := range cfg.Environments {
		conn, err := cluster.Connect(envCfg, log)
		if err != nil {
			setupLog.Error(err, "unable to connect to cluster", "environment", envCfg.Name)
			return 1
		}
		env := reconcile.Env{Config: envCfg, Reader: conn.Reader, Applier: conn.Applier}
		if envCfg.VerifyImage != nil {
			verifier, err := security.NewVerifier(envCfg.Name, envCfg.VerifyImage, log)
			if err != nil {
				setupLog.Error(err, "unable to build image verifier", "environment", envCfg.Name)
				return 1
			}
			env.Verifier = verifier
		}
		envs = append(envs, env)
	}

	var builder interfaces.Builder
	if cfg.Build != nil {
		builder = build.NewCommandBuilder(cfg.Build, log)
	}

	var archive interfaces.Archive
	if cfg.History != nil && cfg.History.S3 != nil {
		s3, err := history.NewS3Store(ctx, *cfg.History.S3, log)
		if err != nil {
			setupLog.Error(err, "unable to build history archive")
			return 1
		}
		archive = s3
	}

	records := store.NewRecords()
	desired := store.NewDesired()

	manager := reconcile.NewManager(cfg, envs, records, desired, builder, archive, log)
	manager.Start(ctx)

	api := server.New(cfg, manager, status.NewPublisher(cfg, records), log)
	api.Start(*apiAddr)

	metricsSrv := startMetricsServer(*metricsAddr, log)
	probeSrv := startProbeServer(*probeAddr, log)

	setupLog.Info("controller started",
		"environments", len(cfg.Environments),
		"api", *apiAddr, "metrics", *metricsAddr, "probes", *probeAddr)

	<-ctx.Done()
	setupLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGracePeriod)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "api server shutdown")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = probeSrv.Shutdown(shutdownCtx)

	// Stop waits for in-flight syncs to be failed with a shutdown reason
	// and for pending archive writes to land.
	manager.Stop()
	if archive != nil {
		if err := archive.Close(); err != nil {
			setupLog.Error(err, "closing history archive")
		}
	}
	return 0
}

func startMetricsServer(addr string, log logr.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed")
		}
	}()
	return srv
}

func startProbeServer(addr string, log logr.Logger) *http.Server {
	checks := map[string]healthz.Checker{"ping": healthz.Ping}
	mux := http.NewServeMux()
	mux.Handle("/healthz", http.StripPrefix("/healthz", &healthz.Handler{Checks: checks}))
	mux.Handle("/readyz", http.StripPrefix("/readyz", &healthz.Handler{Checks: checks}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health probe server failed")
		}
	}()
	return srv
}

func defaultConfigPath() string {
	if path := os.Getenv(constants.EnvConfig); path != "" {
		return path
	}
	return constants.DefaultConfigPath
}
