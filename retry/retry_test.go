package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("permanent")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 1, count)
}

func TestRetryStripsMarkers(t *testing.T) {
	sentinel := errors.New("final")
	err := Do(context.Background(), func() error {
		return NewNonRecoverableError(sentinel)
	})
	assert.Same(t, sentinel, err)
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("try later"))
	}, WithMaxRetries(10), WithBaseWait(time.Hour))
	assert.EqualError(t, err, "try later")
	assert.Equal(t, 1, count)
}
