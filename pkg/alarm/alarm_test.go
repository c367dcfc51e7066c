package alarm

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := NewScheduler(store)
	t.Cleanup(sched.Stop)
	return sched, store
}

// firedKeys collects handler invocations
type firedKeys struct {
	mu   sync.Mutex
	keys []string
	ch   chan string
}

func newFiredKeys() *firedKeys {
	return &firedKeys{ch: make(chan string, 16)}
}

func (f *firedKeys) handler(key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	f.ch <- key
}

func (f *firedKeys) wait(t *testing.T) string {
	t.Helper()
	select {
	case key := <-f.ch:
		return key
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
		return ""
	}
}

// TestAlarmFiresHandler arms a near-future deadline and expects the
// namespace handler
func TestAlarmFiresHandler(t *testing.T) {
	sched, store := newTestScheduler(t)

	fired := newFiredKeys()
	sched.RegisterNamespace("build", fired.handler)

	al := sched.ForKey("build/b-1")
	require.NoError(t, al.Set(time.Now().Add(20*time.Millisecond).UnixMilli()))

	assert.Equal(t, "build/b-1", fired.wait(t))

	// The deadline is consumed on firing
	at, err := store.GetAlarm("build/b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), at)
}

// TestSetReplacesDeadline keeps only the latest deadline per key
func TestSetReplacesDeadline(t *testing.T) {
	sched, _ := newTestScheduler(t)

	fired := newFiredKeys()
	sched.RegisterNamespace("build", fired.handler)

	al := sched.ForKey("build/b-1")
	require.NoError(t, al.Set(time.Now().Add(10*time.Second).UnixMilli()))
	require.NoError(t, al.Set(time.Now().Add(20*time.Millisecond).UnixMilli()))

	fired.wait(t)
	fired.mu.Lock()
	defer fired.mu.Unlock()
	assert.Len(t, fired.keys, 1)
}

// TestDeleteCancels removes the pending deadline
func TestDeleteCancels(t *testing.T) {
	sched, store := newTestScheduler(t)

	fired := newFiredKeys()
	sched.RegisterNamespace("build", fired.handler)

	al := sched.ForKey("build/b-1")
	require.NoError(t, al.Set(time.Now().Add(30*time.Millisecond).UnixMilli()))
	require.NoError(t, al.Delete())

	select {
	case <-fired.ch:
		t.Fatal("deleted alarm fired")
	case <-time.After(100 * time.Millisecond):
	}

	at, err := store.GetAlarm("build/b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), at)
}

// TestRehydrateFiresOverdue re-arms persisted deadlines; overdue ones
// fire immediately
func TestRehydrateFiresOverdue(t *testing.T) {
	sched, store := newTestScheduler(t)

	// A deadline persisted by an earlier process, already in the past
	require.NoError(t, store.SaveAlarm("session/s-1", time.Now().Add(-1*time.Minute).UnixMilli()))

	fired := newFiredKeys()
	sched.RegisterNamespace("session", fired.handler)
	require.NoError(t, sched.Rehydrate())

	assert.Equal(t, "session/s-1", fired.wait(t))
}

// TestGetReadsPendingDeadline round-trips the deadline
func TestGetReadsPendingDeadline(t *testing.T) {
	sched, _ := newTestScheduler(t)

	at := time.Now().Add(1 * time.Hour).UnixMilli()
	al := sched.ForKey("webhook/b-1")
	require.NoError(t, al.Set(at))

	got, err := al.Get()
	require.NoError(t, err)
	assert.Equal(t, at, got)
}
