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

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	ouroboros "github.com/i5heu/ouroboros-model"
	"github.com/i5heu/ouroboros-model/internal/config"
	"github.com/i5heu/ouroboros-model/pkg/bulkquery"
	"github.com/i5heu/ouroboros-model/pkg/replication"
	"github.com/i5heu/ouroboros-model/pkg/store"
)

const Version = "0.1.0"

const usage = `Model replication server.

Usage:
    modelserver [--config=<path>] [--listen=<addr>] [--debug]
    modelserver -h | --help
    modelserver --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file.
    --listen=<addr>    Listen address, overrides server.address.
    --debug            Log at debug level.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	c := config.Default()
	if path, _ := opts.String("--config"); path != "" {
		if c, err = config.Load(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if listen, _ := opts.String("--listen"); listen != "" {
		c.Server.Address = listen
	}
	if debug, _ := opts.Bool("--debug"); debug {
		c.Log.Level = "debug"
	}

	conf, err := ouroboros.FromFile(c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := conf.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, c, conf); err != nil {
		logger.WithError(err).Error("server failed")
		os.Exit(1)
	}
}

func registry(model *ouroboros.Model, logger *logrus.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if _, err := model.DiskUsage(); err == nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ouroboros_model",
			Subsystem: "store",
			Name:      "disk_free_bytes",
		}, func() float64 {
			u, err := model.DiskUsage()
			if err != nil {
				logger.WithError(err).Warn("reading disk usage")
				return 0
			}
			return float64(u.Free)
		}))
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(store.Collectors()...)
	reg.MustRegister(bulkquery.Collectors()...)
	reg.MustRegister(replication.Collectors()...)
	return reg
}

func run(ctx context.Context, c config.Config, conf ouroboros.Config) error {
	logger := conf.Logger
	conf.StatsInterval = time.Minute

	model, err := ouroboros.New(ctx, conf)
	if err != nil {
		return err
	}
	defer model.Close()

	serverOpts := []replication.Option{
		replication.WithAuthor(c.Branch.Author),
		replication.WithPollTimeout(c.Server.PollTimeout),
		replication.WithBranchPollInterval(c.Branch.PollInterval),
	}
	if c.Server.JWTSecret != "" {
		serverOpts = append(serverOpts, replication.WithSecret([]byte(c.Server.JWTSecret)))
	} else {
		logger.Warn("no jwtSecret configured, serving without authentication")
	}
	handler, err := model.Server(serverOpts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(c.Server.MetricsPath, promhttp.HandlerFor(registry(model, logger), promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              c.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": c.Server.Address,
			"metrics": c.Server.MetricsPath,
		}).Info("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// long polls may outlive the grace period
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("closing remaining connections")
		if err := srv.Close(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
