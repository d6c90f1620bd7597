package security

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/events"
)

type counterEntry struct {
	n       int64
	expires time.Time
}

// fakeCounterStore is a clock-injectable CounterStore for exercising
// window expiry deterministically.
type fakeCounterStore struct {
	rows  map[string]*counterEntry
	clock func() time.Time
}

func newFakeCounterStore(clock func() time.Time) *fakeCounterStore {
	return &fakeCounterStore{rows: make(map[string]*counterEntry), clock: clock}
}

func (s *fakeCounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock()
	e, ok := s.rows[key]
	if !ok || now.After(e.expires) {
		e = &counterEntry{expires: now.Add(ttl)}
		s.rows[key] = e
	}
	e.n++
	return e.n, nil
}

func (s *fakeCounterStore) Get(_ context.Context, key string) (int64, error) {
	e, ok := s.rows[key]
	if !ok || s.clock().After(e.expires) {
		return 0, nil
	}
	return e.n, nil
}

func (s *fakeCounterStore) Delete(_ context.Context, key string) error {
	delete(s.rows, key)
	return nil
}

func (s *fakeCounterStore) Cleanup(_ context.Context) (int, error) {
	now := s.clock()
	evicted := 0
	for key, e := range s.rows {
		if now.After(e.expires) {
			delete(s.rows, key)
			evicted++
		}
	}
	return evicted, nil
}

type fakeBlockStore struct {
	rows map[string]BlockedIdentity
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{rows: make(map[string]BlockedIdentity)}
}

func (s *fakeBlockStore) Add(_ context.Context, key, reason string, at time.Time) error {
	if _, ok := s.rows[key]; !ok {
		s.rows[key] = BlockedIdentity{IdentityKey: key, Reason: reason, BlockedAt: at}
	}
	return nil
}

func (s *fakeBlockStore) Remove(_ context.Context, key string) (bool, error) {
	_, ok := s.rows[key]
	delete(s.rows, key)
	return ok, nil
}

func (s *fakeBlockStore) Contains(_ context.Context, key string) (string, bool, error) {
	e, ok := s.rows[key]
	return e.Reason, ok, nil
}

func (s *fakeBlockStore) List(_ context.Context) ([]BlockedIdentity, error) {
	out := make([]BlockedIdentity, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e)
	}
	return out, nil
}

type guardFixture struct {
	guard  *Guard
	blocks *fakeBlockStore
	events *[]events.Event
	now    *time.Time
}

func newGuardFixture(t *testing.T, cfg GuardConfig) *guardFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	bus := events.NewBus(slog.Default())
	var published []events.Event
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		published = append(published, ev)
	})

	blocks := newFakeBlockStore()
	guard := NewGuard(newFakeCounterStore(clock), blocks, bus, cfg, slog.Default())
	guard.clock = clock

	return &guardFixture{guard: guard, blocks: blocks, events: &published, now: &now}
}

func (f *guardFixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestGuardCheckRate(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{})
	ctx := context.Background()

	const limit = 3
	for i := 0; i < limit; i++ {
		assert.NoError(t, f.guard.CheckRate(ctx, "ip:203.0.113.9", limit, time.Minute))
	}
	err := f.guard.CheckRate(ctx, "ip:203.0.113.9", limit, time.Minute)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	require.Len(t, *f.events, 1)
	ev, ok := (*f.events)[0].(events.SecurityRateLimitExceeded)
	require.True(t, ok)
	assert.Equal(t, "ip:203.0.113.9", ev.IdentityKey)
	assert.Equal(t, limit, ev.Limit)

	// Other identities have independent windows.
	assert.NoError(t, f.guard.CheckRate(ctx, "ip:198.51.100.7", limit, time.Minute))

	// The window lapses and the counter starts over.
	f.advance(2 * time.Minute)
	assert.NoError(t, f.guard.CheckRate(ctx, "ip:203.0.113.9", limit, time.Minute))
}

func TestGuardCheckRateDisabled(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{})
	assert.NoError(t, f.guard.CheckRate(context.Background(), "id", 0, time.Minute))
	assert.NoError(t, f.guard.CheckRate(context.Background(), "id", 5, 0))
}

func TestGuardRecordFailedAttempt(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{FailedAttemptThreshold: 3})
	ctx := context.Background()

	for i := 1; i < 3; i++ {
		n, err := f.guard.RecordFailedAttempt(ctx, "ip:203.0.113.9", "validation")
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)

		auto, err := f.guard.IsAutoBlocked(ctx, "ip:203.0.113.9")
		require.NoError(t, err)
		assert.False(t, auto)
	}

	n, err := f.guard.RecordFailedAttempt(ctx, "ip:203.0.113.9", "validation")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	auto, err := f.guard.IsAutoBlocked(ctx, "ip:203.0.113.9")
	require.NoError(t, err)
	assert.True(t, auto)

	// The threshold crossing promotes the identity onto the durable list.
	reason, blocked, err := f.blocks.Contains(ctx, "ip:203.0.113.9")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Contains(t, reason, "auto-blocked")

	require.Len(t, *f.events, 1)
	_, ok := (*f.events)[0].(events.SecurityIPBlocked)
	assert.True(t, ok)

	// Passing the threshold again must not emit a second event.
	_, err = f.guard.RecordFailedAttempt(ctx, "ip:203.0.113.9", "validation")
	require.NoError(t, err)
	assert.Len(t, *f.events, 1)
}

func TestGuardFailureCounterExpires(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{FailedAttemptThreshold: 5, BlockDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.guard.RecordFailedAttempt(ctx, "ip:203.0.113.9", "csrf")
		require.NoError(t, err)
	}
	f.advance(2 * time.Hour)

	n, err := f.guard.RecordFailedAttempt(ctx, "ip:203.0.113.9", "csrf")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired counter restarts from zero")
}

func TestGuardCheckIdentity(t *testing.T) {
	ctx := context.Background()

	t.Run("empty identity", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{})
		verdict, err := f.guard.CheckIdentity(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidIdentity)
		assert.True(t, verdict.Blocked)
	})

	t.Run("reserved addresses", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{})
		for _, addr := range []string{"127.0.0.1", "10.0.0.8", "192.168.1.1", "169.254.0.5", "0.0.0.0", "::1"} {
			_, err := f.guard.CheckIdentity(ctx, addr)
			assert.ErrorIs(t, err, ErrReservedAddress, addr)
		}
	})

	t.Run("private networks may be allowed", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{AllowPrivateNetworks: true})
		_, err := f.guard.CheckIdentity(ctx, "192.168.1.1")
		assert.NoError(t, err)
	})

	t.Run("public address passes", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{})
		verdict, err := f.guard.CheckIdentity(ctx, "203.0.113.9")
		assert.NoError(t, err)
		assert.False(t, verdict.Blocked)
	})

	t.Run("non-address identities skip the range check", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{})
		_, err := f.guard.CheckIdentity(ctx, "apikey:abc123")
		assert.NoError(t, err)
	})

	t.Run("durable block wins", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{})
		require.NoError(t, f.guard.Block(ctx, "203.0.113.9", "abuse report"))

		verdict, err := f.guard.CheckIdentity(ctx, "203.0.113.9")
		assert.ErrorIs(t, err, ErrIdentityBlocked)
		assert.Equal(t, "abuse report", verdict.Reason)
	})

	t.Run("auto block via failure counter", func(t *testing.T) {
		f := newGuardFixture(t, GuardConfig{FailedAttemptThreshold: 2})
		_, err := f.guard.RecordFailedAttempt(ctx, "203.0.113.9", "validation")
		require.NoError(t, err)
		_, err = f.guard.RecordFailedAttempt(ctx, "203.0.113.9", "validation")
		require.NoError(t, err)

		_, err = f.guard.CheckIdentity(ctx, "203.0.113.9")
		assert.ErrorIs(t, err, ErrIdentityBlocked)
	})
}

func TestGuardBlockUnblock(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{FailedAttemptThreshold: 2})
	ctx := context.Background()

	assert.ErrorIs(t, f.guard.Block(ctx, "", "x"), ErrInvalidIdentity)

	require.NoError(t, f.guard.Block(ctx, "203.0.113.9", ""))
	list, err := f.guard.ListBlocked(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "manually blocked", list[0].Reason)

	// Trip the auto counter too, then verify Unblock clears both.
	_, err = f.guard.RecordFailedAttempt(ctx, "203.0.113.9", "validation")
	require.NoError(t, err)
	_, err = f.guard.RecordFailedAttempt(ctx, "203.0.113.9", "validation")
	require.NoError(t, err)

	removed, err := f.guard.Unblock(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = f.guard.CheckIdentity(ctx, "203.0.113.9")
	assert.NoError(t, err)

	removed, err = f.guard.Unblock(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGuardCleanup(t *testing.T) {
	f := newGuardFixture(t, GuardConfig{})
	ctx := context.Background()

	require.NoError(t, f.guard.CheckRate(ctx, "a", 10, time.Minute))
	require.NoError(t, f.guard.CheckRate(ctx, "b", 10, time.Minute))

	evicted, err := f.guard.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	f.advance(5 * time.Minute)
	evicted, err = f.guard.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
}
