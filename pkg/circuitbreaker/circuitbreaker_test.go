package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: time.Minute, HalfOpenMaxRequests: 1}, zap.NewNop())
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond, HalfOpenMaxRequests: 1}, zap.NewNop())

	_ = b.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, "open", b.State())

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	b := New("defaults", Config{}, nil)
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}
