package chat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterRejectsDuplicateLogin(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	c1 := newQueuedSession(t, r, nil)
	c2 := newQueuedSession(t, r, nil)

	req.NoError(r.TryRegister("alice", c1, 0))
	req.ErrorIs(r.TryRegister("alice", c2, 0), ErrLoginTaken)

	req.Equal(StateAuthenticated, c1.State())
	req.Equal("alice", c1.Login())
	req.Equal(StateConnected, c2.State())
	req.Empty(c2.Login())
}

func TestRegistry_ConcurrentRegisterSameLoginHasOneWinner(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	const contenders = 64
	sessions := make([]*Session, contenders)
	for i := range sessions {
		sessions[i] = newQueuedSession(t, r, nil)
	}

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			<-start
			if err := r.TryRegister("carol", s, 0); err == nil {
				wins.Add(1)
			}
		}(s)
	}
	close(start)
	wg.Wait()

	req.EqualValues(1, wins.Load())
	snapshot, err := r.SnapshotSessions()
	req.NoError(err)
	req.Len(snapshot, 1)
	req.Equal("carol", snapshot[0].Login())
}

func TestRegistry_RegisterRejectsEmptyAndUnknown(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	s := newQueuedSession(t, r, nil)
	req.ErrorIs(r.TryRegister("", s, 0), ErrLoginInvalid)

	stray := NewSession(nil, r, nil, SessionOptions{}, nil)
	req.ErrorIs(r.TryRegister("dave", stray, 0), ErrSessionClosed)
	req.Equal(StateConnected, stray.State())
}

func TestRegistry_RemoveFreesLoginOnce(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	alice := newQueuedSession(t, r, nil)
	req.NoError(r.TryRegister("alice", alice, 0))

	removed, err := r.RemoveSession(alice)
	req.NoError(err)
	req.True(removed)

	removed, err = r.RemoveSession(alice)
	req.NoError(err)
	req.False(removed)

	again := newQueuedSession(t, r, nil)
	req.NoError(r.TryRegister("alice", again, 0))

	all, err := r.Sessions()
	req.NoError(err)
	req.Len(all, 1)
}

func TestRegistry_SnapshotHoldsAuthenticatedInLoginOrder(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	bob := newQueuedSession(t, r, nil)
	alice := newQueuedSession(t, r, nil)
	_ = newQueuedSession(t, r, nil) // never logs in

	req.NoError(r.TryRegister("bob", bob, 0))
	req.NoError(r.TryRegister("alice", alice, 0))

	snapshot, err := r.SnapshotSessions()
	req.NoError(err)
	req.Equal([]*Session{bob, alice}, snapshot)

	all, err := r.Sessions()
	req.NoError(err)
	req.Len(all, 3)
}

func TestRegistry_HistoryEvictsOldestPastLimit(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 3)

	for i := 0; i < 5; i++ {
		req.NoError(r.AppendHistory(NewMessage("alice", fmt.Sprintf("m%d", i))))
	}

	got, err := r.History(0)
	req.NoError(err)
	req.Equal([]string{"m2", "m3", "m4"}, contents(got))
}

func TestRegistry_HistoryWindowClamps(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	for i := 0; i < 4; i++ {
		req.NoError(r.AppendHistory(NewMessage("bob", fmt.Sprintf("m%d", i))))
	}

	got, err := r.History(2)
	req.NoError(err)
	req.Equal([]string{"m2", "m3"}, contents(got))

	got, err = r.History(40)
	req.NoError(err)
	req.Equal([]string{"m0", "m1", "m2", "m3"}, contents(got))

	got, err = r.History(-1)
	req.NoError(err)
	req.Len(got, 4)
}

func TestRegistry_HistoryOrdersByTimestamp(t *testing.T) {
	req := require.New(t)
	r := startRegistry(t, 0)

	base := time.Now()
	late := Message{Author: "a", Content: "late", Timestamp: base.Add(time.Second)}
	early := Message{Author: "a", Content: "early", Timestamp: base}
	req.NoError(r.AppendHistory(late))
	req.NoError(r.AppendHistory(early))

	got, err := r.History(2)
	req.NoError(err)
	req.Equal([]string{"early", "late"}, contents(got))
}

func TestRegistry_CallsFailAfterStop(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(8, 0, nil)
	go r.Run()
	r.Stop()
	r.Stop()
	r.Wait()

	req.ErrorIs(r.AppendHistory(NewMessage("x", "y")), ErrRegistryStopped)
	_, err := r.SnapshotSessions()
	req.ErrorIs(err, ErrRegistryStopped)
}

func startRegistry(t *testing.T, historyLimit int) *Registry {
	t.Helper()
	r := NewRegistry(128, historyLimit, nil)
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r
}

// newQueuedSession returns a session without a transport; its output is read
// from s.out directly.
func newQueuedSession(t *testing.T, r *Registry, bc *Broadcaster) *Session {
	t.Helper()
	s := NewSession(nil, r, bc, SessionOptions{OutboundBuffer: 64, HistoryReplay: 10}, nil)
	require.NoError(t, r.AddSession(s))
	return s
}

func contents(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Content)
	}
	return out
}

func waitForLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("outbound queue closed")
		}
		return s
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for line")
	}
	return ""
}

func requireNoLine(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if ok {
			t.Fatalf("unexpected line %q", s)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
