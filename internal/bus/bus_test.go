package bus

import (
	"context"
	"testing"
	"time"

	"github.com/KafClaw/wagate/internal/session"
)

func recv(t *testing.T, ch chan session.Snapshot) session.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return session.Snapshot{}
}

func TestTenantScopedDelivery(t *testing.T) {
	b := NewStatusBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)

	t1 := make(chan session.Snapshot, 4)
	t2 := make(chan session.Snapshot, 4)
	all := make(chan session.Snapshot, 4)
	b.Subscribe("t1", func(s session.Snapshot) { t1 <- s })
	b.Subscribe("t2", func(s session.Snapshot) { t2 <- s })
	b.Subscribe(Wildcard, func(s session.Snapshot) { all <- s })

	b.Publish(session.Snapshot{TenantID: "t1", Message: "hello"})

	if s := recv(t, t1); s.Message != "hello" {
		t.Fatalf("unexpected status %+v", s)
	}
	if s := recv(t, all); s.TenantID != "t1" {
		t.Fatalf("wildcard got %+v", s)
	}
	select {
	case s := <-t2:
		t.Fatalf("t2 received another tenant's status: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewStatusBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)

	ch := make(chan session.Snapshot, 4)
	unsub := b.Subscribe("t1", func(s session.Snapshot) { ch <- s })
	if b.Subscribers("t1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers("t1"))
	}
	unsub()
	unsub()
	if b.Subscribers("t1") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Subscribers("t1"))
	}

	b.Publish(session.Snapshot{TenantID: "t1"})
	select {
	case s := <-ch:
		t.Fatalf("unsubscribed callback received %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	b := NewStatusBus(1)
	if !b.Publish(session.Snapshot{TenantID: "t1"}) {
		t.Fatal("expected first publish to be queued")
	}
	if b.Publish(session.Snapshot{TenantID: "t1"}) {
		t.Fatal("expected publish on a full queue to be dropped")
	}
	if b.QueueSize() != 1 {
		t.Fatalf("expected queue size 1, got %d", b.QueueSize())
	}
}
