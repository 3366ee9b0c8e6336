package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/correlation"
)

const (
	defaultReconcileInterval = 5 * time.Minute
	defaultLeaseRenewEvery   = 10 * time.Second
	releaseTimeout           = 2 * time.Second
)

type CredentialLister interface {
	List(ctx context.Context) ([]domain.TenantCredential, error)
}

// Subscriber creates subscriptions. It must treat an existing subscription
// as success.
type Subscriber interface {
	SubscribeAll(ctx context.Context, specs []domain.SubscriptionSpec) error
}

// Leadership is a lease shared between instances.
type Leadership interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type ReconcilerOption func(*SubscriptionReconciler)

func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *SubscriptionReconciler) { r.interval = d }
}

func WithReconcilerClock(c clockwork.Clock) ReconcilerOption {
	return func(r *SubscriptionReconciler) { r.clock = c }
}

// WithLeaseRenewInterval sets how often the lease is renewed. It must stay
// well below the lease TTL.
func WithLeaseRenewInterval(d time.Duration) ReconcilerOption {
	return func(r *SubscriptionReconciler) { r.leaseEvery = d }
}

// WithLeadership makes the reconciler act only while it holds the lease.
func WithLeadership(l Leadership) ReconcilerOption {
	return func(r *SubscriptionReconciler) { r.leader = l }
}

// SubscriptionReconciler makes sure every stored tenant has the catalogue's
// subscriptions, including tenants added while the process runs.
type SubscriptionReconciler struct {
	credentials CredentialLister
	catalogue   *Catalogue
	subscriber  Subscriber
	leader      Leadership
	interval    time.Duration
	leaseEvery  time.Duration
	clock       clockwork.Clock
	wake        chan struct{}

	// owned by Run
	leading bool
	ensured map[string]struct{}
}

func NewSubscriptionReconciler(credentials CredentialLister, catalogue *Catalogue, subscriber Subscriber, opts ...ReconcilerOption) *SubscriptionReconciler {
	r := &SubscriptionReconciler{
		credentials: credentials,
		catalogue:   catalogue,
		subscriber:  subscriber,
		interval:    defaultReconcileInterval,
		leaseEvery:  defaultLeaseRenewEvery,
		clock:       clockwork.NewRealClock(),
		wake:        make(chan struct{}, 1),
		ensured:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles once, then on every interval until ctx is cancelled. The
// lease is renewed on its own schedule so it never lapses between
// reconciliations, and it is released on the way out.
func (r *SubscriptionReconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.release(ctx)

	var leaseC <-chan time.Time
	if r.leader != nil {
		leaseTicker := r.clock.NewTicker(r.leaseEvery)
		defer leaseTicker.Stop()
		leaseC = leaseTicker.Chan()
	}

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Subscription reconciler stopped")
			return
		case <-ticker.Chan():
			r.tick(ctx)
		case <-r.wake:
			r.tick(ctx)
		case <-leaseC:
			r.maintainLease(ctx)
		}
	}
}

// Trigger requests a reconciliation ahead of the next tick. Triggers that
// arrive while one is pending are merged.
func (r *SubscriptionReconciler) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// maintainLease renews the lease between reconciliations. A follower that
// takes over reconciles right away instead of waiting for the next interval.
func (r *SubscriptionReconciler) maintainLease(ctx context.Context) {
	wasLeading := r.leading
	leading, err := r.holdLease(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reconciler lease check failed", "error", err)
		return
	}
	if leading && !wasLeading {
		r.tick(ctx)
	}
}

func (r *SubscriptionReconciler) tick(ctx context.Context) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())
	if err := r.Reconcile(tickCtx); err != nil {
		slog.ErrorContext(tickCtx, "Subscription reconciliation failed", "error", err)
	}
}

// Reconcile subscribes whatever is missing since the last successful pass.
func (r *SubscriptionReconciler) Reconcile(ctx context.Context) error {
	leading, err := r.holdLease(ctx)
	if err != nil {
		return err
	}
	if !leading {
		slog.DebugContext(ctx, "Not the reconciler leader, skipping")
		return nil
	}

	creds, err := r.credentials.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenant credentials: %w", err)
	}

	var pending []domain.SubscriptionSpec
	for _, spec := range r.catalogue.Specs(creds) {
		if _, ok := r.ensured[specKey(spec)]; !ok {
			pending = append(pending, spec)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Ensuring EventSub subscriptions", "tenants", len(creds), "pending", len(pending))
	if err := r.subscriber.SubscribeAll(ctx, pending); err != nil {
		return fmt.Errorf("failed to ensure subscriptions: %w", err)
	}

	for _, spec := range pending {
		r.ensured[specKey(spec)] = struct{}{}
	}
	return nil
}

// holdLease reports whether this instance may reconcile. Losing the lease
// forgets what was ensured so a later takeover starts from scratch.
func (r *SubscriptionReconciler) holdLease(ctx context.Context) (bool, error) {
	if r.leader == nil {
		return true, nil
	}

	var (
		ok  bool
		err error
	)
	if r.leading {
		ok, err = r.leader.Renew(ctx)
	} else {
		ok, err = r.leader.TryAcquire(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reconciler lease: %w", err)
	}

	if r.leading && !ok {
		slog.WarnContext(ctx, "Lost reconciler lease")
		clear(r.ensured)
	}
	if !r.leading && ok {
		slog.InfoContext(ctx, "Acquired reconciler lease")
	}
	r.leading = ok
	return ok, nil
}

func (r *SubscriptionReconciler) release(ctx context.Context) {
	if r.leader == nil || !r.leading {
		return
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := r.leader.Release(releaseCtx); err != nil {
		slog.Warn("Failed to release reconciler lease", "error", err)
	}
	r.leading = false
}

func specKey(spec domain.SubscriptionSpec) string {
	key := spec.Type + "/" + spec.Version
	for _, k := range slices.Sorted(maps.Keys(spec.Condition)) {
		key += "/" + k + "=" + spec.Condition[k]
	}
	return key
}
