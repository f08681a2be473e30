package covdata

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubRetryable(t *testing.T, fn func(error) bool) {
	t.Helper()

	prev := retryable
	retryable = fn
	t.Cleanup(func() {
		retryable = prev
	})
}

func TestRetryPolicy(t *testing.T) {
	errTransient := errors.New("transient contention")

	t.Run("transient_failures_get_exactly_one_retry", func(t *testing.T) {
		var derr *DataError

		stubRetryable(t, func(err error) bool {
			return errors.Is(err, errTransient)
		})

		c, err := openConn(":memory:", "mem")
		require.NoError(t, err)
		defer c.close()

		attempts := 0
		err = c.transact(func(tx *sql.Tx) error {
			attempts++
			return errTransient
		})

		require.ErrorAs(t, err, &derr)
		require.Equal(t, 2, attempts)
	})

	t.Run("a_single_retry_can_succeed", func(t *testing.T) {
		stubRetryable(t, func(err error) bool {
			return errors.Is(err, errTransient)
		})

		c, err := openConn(":memory:", "mem")
		require.NoError(t, err)
		defer c.close()

		attempts := 0
		err = c.transact(func(tx *sql.Tx) error {
			if attempts++; attempts == 1 {
				return errTransient
			}

			return nil
		})

		require.NoError(t, err)
		require.Equal(t, 2, attempts)
	})

	t.Run("hard_failures_fail_immediately", func(t *testing.T) {
		stubRetryable(t, func(err error) bool {
			return false
		})

		c, err := openConn(":memory:", "mem")
		require.NoError(t, err)
		defer c.close()

		attempts := 0
		err = c.transact(func(tx *sql.Tx) error {
			attempts++
			return errTransient
		})

		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("plain_errors_never_classified_transient", func(t *testing.T) {
		require.False(t, retryable(errors.New("nope")))
		require.False(t, retryable(nil))
	})
}
