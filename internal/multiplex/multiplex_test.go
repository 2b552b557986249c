package multiplex

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentbridge/connection-bridge/internal/router"
)

type fakeLeaderSender struct{ calls chan string }

func (f fakeLeaderSender) Send(id, method string, params json.RawMessage) error {
	f.calls <- method
	return nil
}

func TestFirstMultiplexerBecomesLeader(t *testing.T) {
	r := router.New()
	m := New(Options{ListenAddr: "127.0.0.1:0", Router: r})
	if err := m.tryBecomeLeader(); err != nil {
		t.Fatalf("tryBecomeLeader returned error: %v", err)
	}
	if m.Role() != RoleLeader {
		t.Fatalf("expected leader role, got %v", m.Role())
	}
	_ = m.Stop(context.Background())
}

func TestSecondMultiplexerBecomesFollower(t *testing.T) {
	leaderRouter := router.New()
	leaderRouter.Attach(fakeLeaderSender{calls: make(chan string, 4)})

	leader := New(Options{ListenAddr: "127.0.0.1:0", Router: leaderRouter})
	if err := leader.tryBecomeLeader(); err != nil {
		t.Fatalf("leader tryBecomeLeader returned error: %v", err)
	}
	t.Cleanup(func() { _ = leader.Stop(context.Background()) })

	addr := leader.listener.Addr().String()

	followerRouter := router.New()
	var becameFollower bool
	follower := New(Options{
		ListenAddr: addr,
		Router:     followerRouter,
		OnFollower: func() { becameFollower = true },
	})
	t.Cleanup(func() { _ = follower.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- follower.becomeFollower(ctx) }()

	deadline := time.Now().Add(time.Second)
	for follower.Role() != RoleFollower && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if follower.Role() != RoleFollower {
		t.Fatalf("expected follower role, got %v", follower.Role())
	}
	if !becameFollower {
		t.Fatalf("expected OnFollower callback to fire")
	}
}

func TestJitteredBackoffWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitteredBackoff()
		if d < reconnectBackoffMin || d > reconnectBackoffMax {
			t.Fatalf("backoff out of [50ms,200ms]: %v", d)
		}
	}
}

func TestFollowerDispatchFailsFastWithoutLeader(t *testing.T) {
	r := router.New()
	_, err := r.Dispatch(context.Background(), "getTabs", nil, 0)
	if err == nil {
		t.Fatalf("expected error dispatching with no sender attached")
	}
}
