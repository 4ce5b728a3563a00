package breaker

import (
	"testing"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                        { return f.now }
func (f *fakeClock) Sleep(d time.Duration)                  { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- f.now.Add(d); return ch }

func failing() error {
	return apperr.New(apperr.KindConnection, apperr.SeverityMedium, "down")
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(3, 10*time.Second, clk)

	for i := 0; i < 2; i++ {
		_ = b.Execute(failing)
		assert.Equal(t, Closed, b.State())
	}
	_ = b.Execute(failing)
	assert.Equal(t, Open, b.State())
}

func TestRejectsWithoutInvokingOperationWhileOpen(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(1, 10*time.Second, clk)

	_ = b.Execute(failing)
	require.Equal(t, Open, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenAfterTimeoutResetsOnSuccess(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(1, 10*time.Second, clk)

	_ = b.Execute(failing)
	require.Equal(t, Open, b.State())

	clk.now = clk.now.Add(11 * time.Second)
	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(1, 10*time.Second, clk)

	_ = b.Execute(failing)
	clk.now = clk.now.Add(11 * time.Second)

	err := b.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestRejectionsWhileOpenDoNotCountAsFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(1, 10*time.Second, clk)

	_ = b.Execute(failing)
	require.Equal(t, Open, b.State())
	before := b.ConsecutiveFailures()

	_ = b.Execute(func() error { return nil })
	assert.Equal(t, before, b.ConsecutiveFailures())
}
