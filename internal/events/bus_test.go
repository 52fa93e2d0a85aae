package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"

	"MailPacer/internal/models"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a, closeA := b.Subscribe(4)
	c, closeC := b.Subscribe(4)
	defer closeA()
	defer closeC()

	b.Publish(models.JobEvent{Type: models.EventWaiting, JobID: "j1"})

	for _, ch := range []<-chan models.JobEvent{a, c} {
		select {
		case e := <-ch:
			if e.JobID != "j1" {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusDropsOldestForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe(2)
	defer unsubscribe()

	for _, id := range []string{"1", "2", "3"} {
		b.Publish(models.JobEvent{Type: models.EventWaiting, JobID: id})
	}

	first := <-ch
	second := <-ch
	if first.JobID != "2" || second.JobID != "3" {
		t.Fatalf("expected newest events 2,3; got %s,%s", first.JobID, second.JobID)
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", b.Dropped())
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(models.JobEvent{Type: models.EventPaused})
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaRelayForwardsEvents(t *testing.T) {
	w := &fakeWriter{}
	r := &KafkaRelay{writer: w, log: zaptest.NewLogger(t)}

	sub := make(chan models.JobEvent, 2)
	sub <- models.JobEvent{Type: models.EventCompleted, JobID: "j1", At: time.Now()}
	sub <- models.JobEvent{Type: models.EventFailed, JobID: "j2", Err: "boom", At: time.Now()}
	close(sub)

	if err := r.Run(context.Background(), sub); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(w.msgs) != 2 || !w.closed {
		t.Fatalf("expected 2 messages and a closed writer, got %d closed=%v", len(w.msgs), w.closed)
	}
	var e models.JobEvent
	if err := json.Unmarshal(w.msgs[1].Value, &e); err != nil {
		t.Fatal(err)
	}
	if string(w.msgs[1].Key) != "j2" || e.Err != "boom" {
		t.Fatalf("unexpected message %s: %+v", w.msgs[1].Key, e)
	}
}
