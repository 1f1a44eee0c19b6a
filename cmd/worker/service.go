package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starforgehq/starforge-backend/internal/poller"
	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/db"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/redis"
)

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Supervisor *poller.Supervisor
}

// Service sweeps the jobs table for rows stuck in the running state and
// reattaches a poller to each, and fails jobs stuck in pending so their
// charge is refunded. The API process resumes its own jobs on boot; this
// worker covers crashes and long gaps between deploys.
type Service struct {
	cfg        *config.Config
	logg       *logger.Logger
	db         *db.Client
	redis      *redis.Client
	supervisor *poller.Supervisor
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}

	return &Service{
		cfg:        params.Config,
		logg:       params.Logger,
		db:         params.DB,
		redis:      params.Redis,
		supervisor: params.Supervisor,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.cfg.Jobs.ResumeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled, waiting for pollers to drain")
			s.supervisor.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if err := s.supervisor.Resume(ctx, s.cfg.Jobs.ResumeBatchSize); err != nil {
		s.logg.Error(ctx, "resume sweep failed", err)
	}
	if err := s.supervisor.SweepStalePending(ctx, s.cfg.Jobs.PendingGrace, s.cfg.Jobs.ResumeBatchSize); err != nil {
		s.logg.Error(ctx, "stale pending sweep failed", err)
	}
	if active := s.supervisor.ActiveCount(); active > 0 {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{"active_pollers": active}), "resume sweep complete")
	}
}
