package leaselock

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var longLease = Options{TTL: time.Hour, RenewEvery: 30 * time.Minute}

func TestWithLease_AcquiresAndReleases(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO index_leases")).
		WithArgs("index:ns", pgxmock.AnyArg(), time.Hour.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}).AddRow("index:ns"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM index_leases")).
		WithArgs("index:ns", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ran := false
	err = New(mock).WithLease(context.Background(), "index:ns", longLease, func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_BusyWithoutWait(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO index_leases")).
		WithArgs("k", pgxmock.AnyArg(), time.Hour.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}))

	_, err = New(mock).Acquire(context.Background(), "k", longLease)
	assert.ErrorIs(t, err, ErrHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_WaitsUntilFree(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO index_leases")).
		WithArgs("k", pgxmock.AnyArg(), time.Hour.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO index_leases")).
		WithArgs("k", pgxmock.AnyArg(), time.Hour.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}).AddRow("k"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM index_leases")).
		WithArgs("k", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	opts := longLease
	opts.Wait = true
	opts.WaitInterval = time.Millisecond

	lease, err := New(mock).Acquire(context.Background(), "k", opts)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	assert.Error(t, lease.Context.Err())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_EmptyNamespace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = New(mock).Acquire(context.Background(), "", longLease)
	assert.Error(t, err)
}

func TestAcquire_ExpiredRenewCancelsContext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ttl := 2 * time.Second
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO index_leases")).
		WithArgs("index:ns", pgxmock.AnyArg(), ttl.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}).AddRow("index:ns"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE index_leases")).
		WithArgs("index:ns", pgxmock.AnyArg(), ttl.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"namespace"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM index_leases")).
		WithArgs("index:ns", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	lease, err := New(mock).Acquire(context.Background(), "index:ns", Options{TTL: ttl, HolderPrefix: "worker-a-"})
	require.NoError(t, err)
	assert.Contains(t, lease.Holder, "worker-a-")

	select {
	case <-lease.Context.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lease context not canceled after failed renewal")
	}
	assert.ErrorIs(t, context.Cause(lease.Context), ErrLost)

	require.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	var active, maxActive atomic.Int32

	done := make(chan error, 8)
	for range 8 {
		go func() {
			done <- l.WithLock(context.Background(), "ns", func(ctx context.Context) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	for range 8 {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLocalLocker_CanceledWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "ns", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.WithLock(ctx, "ns", func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
	close(release)
}
