package ldap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retryClient(maxRetries int) *client {
	cfg := DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return &client{config: cfg}
}

func TestIsRetryableError_Client(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", ldap.NewError(ldap.LDAPResultBusy, errTest), true},
		{"unavailable", ldap.NewError(ldap.LDAPResultUnavailable, errTest), true},
		{"server down", ldap.NewError(ldap.LDAPResultServerDown, errTest), true},
		{"no such object", ldap.NewError(ldap.LDAPResultNoSuchObject, errTest), false},
		{"already exists", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errTest), false},
		{"timeout text", errors.New("read: i/o timeout"), true},
		{"temporary failure text", errors.New("Temporary failure in name resolution"), true},
		{"other", errors.New("bad search filter"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestClient_WithRetry(t *testing.T) {
	ctx := NewLoggingContext(context.Background())
	busy := ldap.NewError(ldap.LDAPResultBusy, errors.New("busy"))

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retryClient(3).withRetry(ctx, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns permanent errors at once", func(t *testing.T) {
		calls := 0
		permanent := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing"))
		err := retryClient(3).withRetry(ctx, func() error {
			calls++
			return permanent
		})
		assert.Same(t, permanent, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryClient(2).withRetry(ctx, func() error {
			calls++
			return busy
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, busy)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.False(t, connErr.IsRetryable())
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		c := retryClient(5)
		c.config.InitialBackoff = time.Hour
		err := c.withRetry(cancelled, func() error { return busy })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
