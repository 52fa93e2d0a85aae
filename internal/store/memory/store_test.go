package memory_test

import (
	"testing"

	"MailPacer/internal/delivery"
	"MailPacer/internal/queue"
	"MailPacer/internal/store/memory"
	"MailPacer/internal/store/storetest"
)

func TestQueueContract(t *testing.T) {
	storetest.RunQueue(t, func(*testing.T) queue.Store { return memory.New() })
}

func TestDeliveryContract(t *testing.T) {
	storetest.RunDelivery(t, func(*testing.T) delivery.Store { return memory.New() })
}
