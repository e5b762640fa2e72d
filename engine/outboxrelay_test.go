package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/engine"
	"github.com/dshills/flowgraph-go/engine/store"
)

// TestOutboxRelay covers at-least-once draining.
func TestOutboxRelay(t *testing.T) {
	st := store.NewMemStore()
	rt := newTestRuntime(t, st)
	mustPublish(t, rt, linearDef("wf-outbox"))
	mustStart(t, rt, "wf-outbox", "")

	var published []string
	recorder := engine.PublisherFunc(func(_ context.Context, msg engine.OutboxMessage) error {
		published = append(published, msg.Name)
		return nil
	})
	relay := engine.NewOutboxRelay(rt, recorder, time.Second, 10)

	n, err := relay.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want started and completed rows", n)
	}
	if len(published) != 2 {
		t.Fatalf("published = %v", published)
	}

	// Dispatched rows are not re-delivered.
	if n, err := relay.DrainOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("second drain = (%d, %v), want (0, nil)", n, err)
	}
	pending, err := st.PendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending rows = %d, want 0", len(pending))
	}
}

// TestOutboxRelay_PublishFailure leaves failed rows pending for retry.
func TestOutboxRelay_PublishFailure(t *testing.T) {
	st := store.NewMemStore()
	rt := newTestRuntime(t, st)
	mustPublish(t, rt, linearDef("wf-outbox-retry"))
	mustStart(t, rt, "wf-outbox-retry", "")

	attempts := 0
	flaky := engine.PublisherFunc(func(_ context.Context, msg engine.OutboxMessage) error {
		attempts++
		if msg.Name == engine.OutboxInstanceCompleted {
			return fmt.Errorf("broker unavailable")
		}
		return nil
	})
	relay := engine.NewOutboxRelay(rt, flaky, time.Second, 10)

	n, err := relay.DrainOnce(context.Background())
	if err == nil {
		t.Fatal("expected the publish error to surface")
	}
	if n != 1 {
		t.Errorf("dispatched = %d, want 1", n)
	}

	pending, err := st.PendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Name != engine.OutboxInstanceCompleted {
		t.Fatalf("pending = %+v, want the failed row", pending)
	}

	// A later drain retries only the failed row.
	ok := engine.PublisherFunc(func(context.Context, engine.OutboxMessage) error { return nil })
	retry := engine.NewOutboxRelay(rt, ok, time.Second, 10)
	if n, err := retry.DrainOnce(context.Background()); err != nil || n != 1 {
		t.Errorf("retry drain = (%d, %v), want (1, nil)", n, err)
	}
}
