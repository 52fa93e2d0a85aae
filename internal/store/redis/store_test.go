package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"MailPacer/internal/queue"
	"MailPacer/internal/store/redis"
	"MailPacer/internal/store/storetest"
)

// Each subtest gets its own key prefix, so runs never see each other's jobs.
func newStore(t *testing.T) queue.Store {
	t.Helper()
	url := os.Getenv("MAILPACER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MAILPACER_TEST_REDIS_URL not set")
	}

	s, err := redis.Open(context.Background(), url, "mailpacer-test-"+uuid.NewString(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Flush(context.Background())
		_ = s.Close()
	})
	return s
}

func TestQueueContract(t *testing.T) { storetest.RunQueue(t, newStore) }
