package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	redisadapter "github.com/streamwizard/streamwizard-backend/internal/adapter/redis"
	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

type stubCredentials struct {
	mu    sync.Mutex
	creds []domain.TenantCredential
	err   error
}

func (s *stubCredentials) List(context.Context) ([]domain.TenantCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TenantCredential(nil), s.creds...), s.err
}

func (s *stubCredentials) add(cred domain.TenantCredential) {
	s.mu.Lock()
	s.creds = append(s.creds, cred)
	s.mu.Unlock()
}

type recordingSubscriber struct {
	mu    sync.Mutex
	calls [][]domain.SubscriptionSpec
	err   error
}

func (s *recordingSubscriber) SubscribeAll(_ context.Context, specs []domain.SubscriptionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, specs)
	return s.err
}

func (s *recordingSubscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *recordingSubscriber) call(i int) []domain.SubscriptionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type stubLease struct {
	mu       sync.Mutex
	free     bool
	held     bool
	released bool
	err      error
}

func (l *stubLease) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.free {
		l.free = false
		l.held = true
		return true, nil
	}
	return false, nil
}

func (l *stubLease) Renew(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, l.err
}

func (l *stubLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released = true
	return nil
}

func (l *stubLease) steal() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

func bitsOnly() []string { return []string{"bits:read"} }

func TestReconcile_SubscribesOnlyWhatIsMissing(t *testing.T) {
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub)
	ctx := context.Background()

	require.NoError(t, r.Reconcile(ctx))
	require.Equal(t, 1, sub.callCount())
	assert.Len(t, sub.call(0), 4)

	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 1, sub.callCount(), "nothing new to subscribe")

	creds.add(domain.TenantCredential{BroadcasterID: "2", Scopes: bitsOnly()})
	require.NoError(t, r.Reconcile(ctx))
	require.Equal(t, 2, sub.callCount())
	for _, spec := range sub.call(1) {
		assert.Equal(t, "2", tenantOf(spec))
	}
}

func tenantOf(spec domain.SubscriptionSpec) string {
	if id, ok := spec.Condition["to_broadcaster_user_id"]; ok {
		return id
	}
	return spec.Condition["broadcaster_user_id"]
}

func TestReconcile_RetriesAfterFailure(t *testing.T) {
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{err: errors.New("helix 503")}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub)
	ctx := context.Background()

	require.Error(t, r.Reconcile(ctx))

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()

	require.NoError(t, r.Reconcile(ctx))
	require.Equal(t, 2, sub.callCount())
	assert.Equal(t, sub.call(0), sub.call(1))
}

func TestReconcile_ListFailure(t *testing.T) {
	creds := &stubCredentials{err: errors.New("connection refused")}
	sub := &recordingSubscriber{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub)

	err := r.Reconcile(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list tenant credentials")
	assert.Zero(t, sub.callCount())
}

func TestReconcile_FollowerDoesNothing(t *testing.T) {
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1"}}}
	sub := &recordingSubscriber{}
	lease := &stubLease{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub, WithLeadership(lease))

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Zero(t, sub.callCount())
}

func TestReconcile_LosingLeaseForgetsEnsured(t *testing.T) {
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	lease := &stubLease{free: true}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub, WithLeadership(lease))
	ctx := context.Background()

	require.NoError(t, r.Reconcile(ctx))
	require.Equal(t, 1, sub.callCount())

	lease.steal()
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 1, sub.callCount())

	lease.mu.Lock()
	lease.free = true
	lease.mu.Unlock()

	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 2, sub.callCount(), "a regained lease re-ensures everything")
}

func TestReconcile_LeaseError(t *testing.T) {
	lease := &stubLease{err: errors.New("redis down")}
	sub := &recordingSubscriber{}
	r := NewSubscriptionReconciler(&stubCredentials{}, NewCatalogue(""), sub, WithLeadership(lease))

	err := r.Reconcile(context.Background())

	require.Error(t, err)
	assert.Zero(t, sub.callCount())
}

func TestRun_ReconcilesOnEveryTickAndReleases(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := clockwork.NewFakeClock()
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	lease := &stubLease{free: true}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub,
		WithReconcileInterval(time.Minute),
		WithReconcilerClock(clock),
		WithLeadership(lease),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, 5*time.Millisecond)

	creds.add(domain.TenantCredential{BroadcasterID: "2", Scopes: bitsOnly()})
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sub.callCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	lease.mu.Lock()
	defer lease.mu.Unlock()
	assert.True(t, lease.released)
}

func TestRun_TriggerReconcilesEarly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := clockwork.NewFakeClock()
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub, WithReconcilerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, 5*time.Millisecond)

	creds.add(domain.TenantCredential{BroadcasterID: "2", Scopes: bitsOnly()})
	r.Trigger()
	r.Trigger()

	require.Eventually(t, func() bool { return sub.callCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 2, sub.callCount())
}

func TestRun_LeaseSurvivesBetweenReconciliations(t *testing.T) {
	const leaseKey = "eventsub:reconciler:leader"

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := redisadapter.NewLeaderLock(rdb, leaseKey, "instance-a", 30*time.Second)

	clock := clockwork.NewFakeClock()
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub,
		WithReconcileInterval(5*time.Minute),
		WithLeaseRenewInterval(10*time.Second),
		WithReconcilerClock(clock),
		WithLeadership(lock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))

	// Two full reconcile intervals of lease time, renewed every 10s.
	for range 60 {
		mr.FastForward(10 * time.Second)
		require.True(t, mr.Exists(leaseKey))
		clock.Advance(10 * time.Second)
		require.Eventually(t, func() bool { return mr.TTL(leaseKey) == 30*time.Second },
			time.Second, time.Millisecond, "lease was not renewed")
	}

	owner, err := mr.Get(leaseKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", owner)

	cancel()
	<-done

	assert.Equal(t, 1, sub.callCount(), "the lease never lapsed so nothing was re-subscribed")
	assert.False(t, mr.Exists(leaseKey), "lease released on exit")
}

func TestRun_FollowerTakesOverWhenLeaseFrees(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := clockwork.NewFakeClock()
	creds := &stubCredentials{creds: []domain.TenantCredential{{BroadcasterID: "1", Scopes: bitsOnly()}}}
	sub := &recordingSubscriber{}
	lease := &stubLease{}
	r := NewSubscriptionReconciler(creds, NewCatalogue(""), sub,
		WithReconcileInterval(time.Hour),
		WithLeaseRenewInterval(10*time.Second),
		WithReconcilerClock(clock),
		WithLeadership(lease),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.Zero(t, sub.callCount())

	lease.mu.Lock()
	lease.free = true
	lease.mu.Unlock()
	clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
