package queue

import (
	"context"
	"errors"
	"testing"

	"sync-control-plane/internal/config"
)

func TestUnsupportedBackend(t *testing.T) {
	b, err := Open(config.Config{QueueConnection: config.QueueSync}, Deps{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Supported() {
		t.Fatalf("sync connection must not be supported")
	}
	counts, err := b.Counts(context.Background(), "sync", "sync:artists")
	if err != nil || counts.Total() != 0 {
		t.Fatalf("counts should degrade to zero, got %+v %v", counts, err)
	}
	if _, err := b.Purge(context.Background(), "sync", "sync:artists"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestOpenRequiresHandles(t *testing.T) {
	if _, err := Open(config.Config{QueueConnection: config.QueueRedis}, Deps{}); err == nil {
		t.Fatalf("redis without a client should fail")
	}
	if _, err := Open(config.Config{QueueConnection: config.QueueDatabase}, Deps{}); err == nil {
		t.Fatalf("database without a handle should fail")
	}
}
