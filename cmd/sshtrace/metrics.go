package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aegistudio/shaft"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/sshtrace/pkg/promexport"
	"github.com/chaitin/sshtrace/probe"
)

var metricsAddr string

func initMetricsModule() (shaft.Option, error) {
	if metricsAddr == "" {
		return shaft.Module(), nil
	}
	return shaft.Provide(func(
		ctx context.Context, group *errgroup.Group,
		logger *zap.Logger, source *probe.Source,
	) ([]moduleBarrier, error) {
		registry := prometheus.NewRegistry()
		if err := registry.Register(
			promexport.New(source, logger)); err != nil {
			return nil, err
		}
		registry.MustRegister(collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		group.Go(func() error {
			logger.Sugar().Infof("serving metrics on %s", metricsAddr)
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
		return nil, nil
	}), nil
}

func init() {
	moduleInits = append(moduleInits, initMetricsModule)
	rootCmd.PersistentFlags().StringVar(
		&metricsAddr, "metrics-addr", metricsAddr,
		"address serving prometheus metrics, empty disables it")
}
