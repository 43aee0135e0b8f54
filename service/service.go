// Package service serves health and prometheus endpoints while a
// long-running ingest is in progress.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	HealthzAddr string
	MetricsAddr string
}

type Service struct {
	cfg     Config
	log     log.Logger
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config, logger log.Logger, registry *prometheus.Registry, status StatusFunc) *Service {
	logger = logger.New("component", "service")
	return &Service{
		cfg:     cfg,
		log:     logger,
		Healthz: NewHealthzServer(logger, status),
		Metrics: NewMetricsServer(registry),
	}
}

// Start launches the servers with a non-empty address in the background.
// errs receives their failures, if any.
func (s *Service) Start(errs func(error)) {
	s.log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		go func() {
			s.log.Info("starting healthz server", "addr", s.cfg.HealthzAddr)
			if err := s.Healthz.Start(s.cfg.HealthzAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting healthz server", "err", err)
				if errs != nil {
					errs(err)
				}
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			s.log.Info("starting metrics server", "addr", s.cfg.MetricsAddr)
			if err := s.Metrics.Start(s.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				if errs != nil {
					errs(err)
				}
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")
	err := errors.Join(s.Healthz.Shutdown(ctx), s.Metrics.Shutdown(ctx))
	s.log.Info("service stopped")
	return err
}
