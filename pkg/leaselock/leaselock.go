// Package leaselock guards indexing of a namespace. Insert and Cluster on one
// graph must not interleave, so every run holds the namespace's index lease
// for its duration. Leases live in the index_leases table, expire after a TTL
// and are renewed in the background, so a worker that dies mid-run frees the
// namespace once its lease runs out.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrHeld is returned by Acquire without Wait when another worker indexes
	// the namespace.
	ErrHeld = errors.New("index lease held by another worker")
	// ErrLost cancels a lease's Context when its row expired or was taken over.
	ErrLost = errors.New("index lease lost")
)

const (
	defaultTTL  = 5 * time.Minute
	defaultPoll = 250 * time.Millisecond
	renewBudget = 15 * time.Second
)

// DBConn is satisfied by *pgxpool.Pool and pgxmock pools.
type DBConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client hands out index leases.
type Client struct {
	db DBConn
}

func New(db DBConn) *Client {
	return &Client{db: db}
}

// Options configure a lease. RenewEvery defaults to half the TTL.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait polls every WaitInterval (plus up to WaitJitter) until the
	// namespace is free instead of failing with ErrHeld.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	// HolderPrefix is prepended to the random holder id, which makes the
	// owning worker visible in index_leases.
	HolderPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL < time.Millisecond {
		o.TTL = defaultTTL
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = defaultPoll
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

// Lease is a held index lease. Context is canceled with ErrLost when the
// lease cannot be renewed and with context.Canceled on Release.
type Lease struct {
	Namespace string
	Holder    string
	Context   context.Context

	client *Client
	ttl    time.Duration
	cancel context.CancelCauseFunc
	once   sync.Once
	stop   chan struct{}
}

// WithLease runs fn while holding the lease on namespace. fn receives the
// lease's Context and should stop when it is done.
func (c *Client) WithLease(ctx context.Context, namespace string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, namespace, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[Lease] Release failed", "namespace", namespace, "err", err)
		}
	}()
	return fn(lease.Context)
}

// Acquire claims namespace. An expired lease of another holder is taken over.
func (c *Client) Acquire(ctx context.Context, namespace string, opts Options) (*Lease, error) {
	if namespace == "" {
		return nil, errors.New("index lease needs a namespace")
	}
	opts = opts.withDefaults()
	holder := opts.HolderPrefix + util.NewID()

	for {
		ok, err := c.claim(ctx, namespace, holder, opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("claim index lease %q: %w", namespace, err)
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrHeld
		}
		logger.Debug("[Lease] Namespace busy, waiting", "namespace", namespace)
		if err := util.SleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Namespace: namespace,
		Holder:    holder,
		Context:   leaseCtx,
		client:    c,
		ttl:       opts.TTL,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}
	go l.keepAlive(opts.RenewEvery)
	logger.Debug("[Lease] Acquired", "namespace", namespace, "holder", holder)
	return l, nil
}

func (c *Client) claim(ctx context.Context, namespace, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, claimSQL, namespace, holder, ttl.Milliseconds()).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return got == namespace, nil
}

// Release stops renewal and deletes the lease row if this holder still owns
// it. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		l.cancel(context.Canceled)
	})
	if _, err := l.client.db.Exec(ctx, releaseSQL, l.Namespace, l.Holder); err != nil {
		return fmt.Errorf("release index lease %q: %w", l.Namespace, err)
	}
	return nil
}

func (l *Lease) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
		}
		if err := l.renew(); err != nil {
			logger.Warn("[Lease] Lost index lease", "namespace", l.Namespace, "err", err)
			l.cancel(err)
			return
		}
	}
}

// renew extends the lease. Transient errors are retried briefly; a missing
// row means another holder took over and is not retried.
func (l *Lease) renew() error {
	ctx, cancel := context.WithTimeout(l.Context, renewBudget)
	defer cancel()
	_, err := util.RetryWithBackoff(ctx,
		util.Backoff{Attempts: 3, Base: 200 * time.Millisecond},
		func(err error) bool { return !errors.Is(err, ErrLost) },
		func(ctx context.Context) (struct{}, error) {
			var got string
			err := l.client.db.QueryRow(ctx, renewSQL, l.Namespace, l.Holder, l.ttl.Milliseconds()).Scan(&got)
			if errors.Is(err, pgx.ErrNoRows) {
				return struct{}{}, ErrLost
			}
			return struct{}{}, err
		})
	return err
}

const claimSQL = `
INSERT INTO index_leases (namespace, holder, expires_at)
VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (namespace) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE index_leases.expires_at < now()
RETURNING namespace;
`

const renewSQL = `
UPDATE index_leases
SET expires_at = now() + $3::bigint * interval '1 millisecond'
WHERE namespace = $1 AND holder = $2
RETURNING namespace;
`

const releaseSQL = `DELETE FROM index_leases WHERE namespace = $1 AND holder = $2;`
