package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"MailPacer/internal/config"
	"MailPacer/internal/delivery"
	"MailPacer/internal/queue"
	"MailPacer/internal/store/memory"
	"MailPacer/internal/store/postgres"
	"MailPacer/internal/store/redis"
	"MailPacer/internal/store/sqlite"
)

// backend is a store that holds both jobs and delivery records.
type backend interface {
	queue.Store
	delivery.Store
	Close() error
}

type stores struct {
	jobs    queue.Store
	records delivery.Store
	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	var b backend
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; jobs and history are lost on restart")
		b = memory.New()
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeout, logger)
		if err != nil {
			return nil, err
		}
		b = s
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		b = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	out := &stores{jobs: b, records: b, closers: []func() error{b.Close}}
	if cfg.QueueBackend == "redis" {
		rs, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.jobs = rs
		out.closers = append(out.closers, rs.Close)
	}
	return out, nil
}
