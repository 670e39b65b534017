package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
	"github.com/go-api-guard/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type downStore struct{ *memory.Store }

var errDown = fmt.Errorf("blacklist get: %w: i/o timeout", domain.ErrStoreUnavailable)

func (downStore) Get(context.Context, string) (string, error)              { return "", errDown }
func (downStore) Set(context.Context, string, string, time.Duration) error { return errDown }
func (downStore) Exists(context.Context, string) (bool, error)             { return false, errDown }
func (downStore) Scan(context.Context, string) ([]string, error)           { return nil, errDown }

// flakyStore behaves like its memory store until it is taken down.
type flakyStore struct {
	*memory.Store
	down atomic.Bool
}

var errRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (f *flakyStore) Backend() string { return kv.BackendRedis }

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errRefused
	}
	return f.Store.Ping(ctx)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.down.Load() {
		return "", errRefused
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.down.Load() {
		return false, errRefused
	}
	return f.Store.Exists(ctx, key)
}

func newFailoverService(t *testing.T, failClosed bool) (*service, *flakyStore) {
	t.Helper()
	primary := &flakyStore{Store: memory.NewStore()}
	store := kv.NewFailover(context.Background(), primary, memory.NewStore(), kv.Options{
		Name:             "blacklist",
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
		HalfOpenRequests: 1,
	})
	return newService(store, Config{FailClosed: failClosed, UserTTL: time.Hour}, time.Now), primary
}

const token = "eyJhbGciOiJSUzI1NiJ9.eyJ1c2VyX2lkIjoidTEifQ.sig"

func newTestService() (*service, *clock, *memory.Store) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(c.now))
	return newService(store, Config{UserTTL: 24 * time.Hour}, c.now), c, store
}

func TestHashToken(t *testing.T) {
	h := hashToken(token)
	assert.Len(t, h, 32)
	assert.Equal(t, h, hashToken(token))
	assert.NotEqual(t, h, hashToken(token+"x"))
	assert.NotContains(t, h, token)
}

func TestBlacklist_ThenIsBlacklisted(t *testing.T) {
	s, c, store := newTestService()
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, token, c.now().Add(time.Hour), "u1", ""))

	ok, err := s.IsBlacklisted(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsBlacklisted(ctx, "another.token.value")
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := store.Get(ctx, tokenPrefix+hashToken(token))
	require.NoError(t, err)
	var entry domain.BlacklistEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, domain.ReasonLogout, entry.Reason)
	assert.Equal(t, c.now(), entry.BlacklistedAt)
}

func TestBlacklist_EntryNeverOutlivesToken(t *testing.T) {
	s, c, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, token, c.now().Add(10*time.Minute), "u1", "logout"))
	c.advance(10 * time.Minute)

	ok, err := s.IsBlacklisted(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlacklist_ExpiredTokenIsNoOp(t *testing.T) {
	s, c, store := newTestService()
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, token, c.now().Add(-time.Second), "u1", "logout"))
	require.NoError(t, s.Blacklist(ctx, token, c.now(), "u1", "logout"))

	keys, err := store.Scan(ctx, tokenPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBlacklist_StoreDown(t *testing.T) {
	s := newService(downStore{memory.NewStore()}, Config{}, time.Now)
	err := s.Blacklist(context.Background(), token, time.Now().Add(time.Hour), "u1", "")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestIsBlacklisted_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	open := newService(downStore{memory.NewStore()}, Config{}, time.Now)
	ok, err := open.IsBlacklisted(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok, "fail-open treats the token as not revoked")

	closed := newService(downStore{memory.NewStore()}, Config{FailClosed: true}, time.Now)
	ok, err = closed.IsBlacklisted(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok, "fail-closed treats the token as revoked")
}

func TestIsBlacklisted_EmptyToken(t *testing.T) {
	s, _, _ := newTestService()
	_, err := s.IsBlacklisted(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBlacklistAllForUser(t *testing.T) {
	s, c, store := newTestService()
	ctx := context.Background()

	before := c.now().Add(-time.Millisecond)
	require.NoError(t, s.BlacklistAllForUser(ctx, "u1", ""))
	at := c.now()
	c.advance(time.Millisecond)
	after := c.now()

	valid, err := s.IsUserTokenValid(ctx, "u1", before)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = s.IsUserTokenValid(ctx, "u1", at)
	require.NoError(t, err)
	assert.False(t, valid, "a token issued at the revocation instant is revoked")

	valid, err = s.IsUserTokenValid(ctx, "u1", after)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = s.IsUserTokenValid(ctx, "u2", before)
	require.NoError(t, err)
	assert.True(t, valid, "other users are unaffected")

	c.advance(24 * time.Hour)
	exists, err := store.Exists(ctx, userPrefix+"u1")
	require.NoError(t, err)
	assert.False(t, exists, "marker expires after the user TTL")
}

func TestIsUserTokenValid_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	open := newService(downStore{memory.NewStore()}, Config{}, time.Now)
	valid, err := open.IsUserTokenValid(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.True(t, valid)

	closed := newService(downStore{memory.NewStore()}, Config{FailClosed: true}, time.Now)
	valid, err = closed.IsUserTokenValid(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestIsUserTokenValid_InvalidUser(t *testing.T) {
	s, _, _ := newTestService()
	_, err := s.IsUserTokenValid(context.Background(), "", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	err = s.BlacklistAllForUser(context.Background(), "bad user", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStats(t *testing.T) {
	s, c, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, s.Blacklist(ctx, "t1", c.now().Add(time.Hour), "u1", ""))
	require.NoError(t, s.Blacklist(ctx, "t2", c.now().Add(time.Hour), "u1", ""))
	require.NoError(t, s.BlacklistAllForUser(ctx, "u2", ""))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.BlacklistedTokens)
	assert.Equal(t, 1, stats.BlacklistedUsers)
	assert.Equal(t, kv.BackendMemory, stats.Backend)

	_, err = newService(downStore{memory.NewStore()}, Config{}, time.Now).Stats(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestService()
	h := s.Health(context.Background())
	assert.Equal(t, domain.StatusHealthy, h.Status)
	assert.Equal(t, kv.BackendMemory, h.Backend)
}

func TestIsBlacklisted_FailClosedSurvivesBreakerTrip(t *testing.T) {
	s, primary := newFailoverService(t, true)
	ctx := context.Background()
	require.NoError(t, s.Blacklist(ctx, token, time.Now().Add(time.Hour), "u1", ""))

	primary.down.Store(true)
	for i := 0; i < 4; i++ {
		ok, err := s.IsBlacklisted(ctx, token)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}
	assert.Equal(t, kv.ModeFallback, kv.ModeOf(s.store))

	ok, err := s.IsBlacklisted(ctx, "never.revoked.token")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsBlacklisted_FailOpenAfterBreakerTrip(t *testing.T) {
	s, primary := newFailoverService(t, false)
	ctx := context.Background()

	primary.down.Store(true)
	for i := 0; i < 3; i++ {
		ok, err := s.IsBlacklisted(ctx, token)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, kv.ModeFallback, kv.ModeOf(s.store))
}

func TestIsUserTokenValid_FailClosedSurvivesBreakerTrip(t *testing.T) {
	s, primary := newFailoverService(t, true)
	ctx := context.Background()

	valid, err := s.IsUserTokenValid(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.True(t, valid, "healthy primary without marker")

	primary.down.Store(true)
	for i := 0; i < 3; i++ {
		valid, err := s.IsUserTokenValid(ctx, "u1", time.Now())
		require.NoError(t, err)
		assert.False(t, valid, "call %d", i+1)
	}
	assert.Equal(t, kv.ModeFallback, kv.ModeOf(s.store))
}
