package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/coverpool/pkg/errs"
)

func TestTerminal(t *testing.T) {
	t.Run("should classify invariant rejections as terminal", func(t *testing.T) {
		for _, err := range []error{
			errs.ErrUnauthorized,
			errs.ErrInvalidAmount,
			errs.ErrInsufficientLiquidity,
			errs.ErrInsufficientLockedCollateral,
			errs.ErrAlreadyDistributed,
			errs.ErrUnknownToken,
			errs.ErrPolicyNotFound,
			errs.ErrNotExercisable,
			errs.ErrTransferFailed,
			errs.ErrStateConflict,
		} {
			assert.True(t, errs.Terminal(err), "%v", err)
		}
	})

	t.Run("should classify wrapped sentinels as terminal", func(t *testing.T) {
		err := fmt.Errorf("failed to withdraw: %w", errs.ErrInsufficientLiquidity)
		assert.True(t, errs.Terminal(err))
	})

	t.Run("should treat transport failures as retryable", func(t *testing.T) {
		assert.False(t, errs.Terminal(errors.New("nats: connection closed")))
		assert.False(t, errs.Terminal(errs.ErrOracleUnavailable))
		assert.False(t, errs.Terminal(errs.ErrPricingUnavailable))
		assert.False(t, errs.Terminal(nil))
	})
}
