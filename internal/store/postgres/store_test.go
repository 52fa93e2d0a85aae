package postgres_test

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"MailPacer/internal/delivery"
	"MailPacer/internal/queue"
	"MailPacer/internal/store/postgres"
	"MailPacer/internal/store/storetest"
)

// newStore connects to MAILPACER_TEST_DATABASE_URL and empties the tables.
// Subtests share one database, so they must not run in parallel.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("MAILPACER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MAILPACER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Truncate(ctx); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestQueueContract(t *testing.T) {
	storetest.RunQueue(t, func(t *testing.T) queue.Store { return newStore(t) })
}

func TestDeliveryContract(t *testing.T) {
	storetest.RunDelivery(t, func(t *testing.T) delivery.Store { return newStore(t) })
}
