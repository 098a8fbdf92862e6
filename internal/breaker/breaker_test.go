package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.NoError(t, b.Allow("t1|ledger"))
		b.Failure("t1|ledger")
	}
	assert.NoError(t, b.Allow("t1|ledger"), "still closed below threshold")

	b.Failure("t1|ledger")
	assert.ErrorIs(t, b.Allow("t1|ledger"), ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.StateOf("t1|ledger"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.Failure("t1|ledger")
	assert.ErrorIs(t, b.Allow("t1|ledger"), ErrCircuitOpen)
	assert.NoError(t, b.Allow("t2|ledger"), "another tenant is unaffected")
	assert.NoError(t, b.Allow("t1|storefront"), "another platform is unaffected")
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b := New(1, 10*time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure("k")
	assert.ErrorIs(t, b.Allow("k"), ErrCircuitOpen)

	// After the cooldown exactly one trial is admitted.
	now = now.Add(11 * time.Minute)
	assert.NoError(t, b.Allow("k"))
	assert.ErrorIs(t, b.Allow("k"), ErrCircuitOpen, "second call during trial fails fast")

	// A successful trial closes the circuit.
	b.Success("k")
	assert.NoError(t, b.Allow("k"))
	assert.Equal(t, StateClosed, b.StateOf("k"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := New(1, 10*time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure("k")
	now = now.Add(11 * time.Minute)
	assert.NoError(t, b.Allow("k"))

	b.Failure("k")
	assert.Equal(t, StateOpen, b.StateOf("k"))
	assert.ErrorIs(t, b.Allow("k"), ErrCircuitOpen)

	// The reopened circuit needs a fresh cooldown.
	now = now.Add(5 * time.Minute)
	assert.ErrorIs(t, b.Allow("k"), ErrCircuitOpen)
	now = now.Add(6 * time.Minute)
	assert.NoError(t, b.Allow("k"))
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := New(3, time.Minute)

	b.Failure("k")
	b.Failure("k")
	b.Success("k")
	b.Failure("k")
	b.Failure("k")
	assert.NoError(t, b.Allow("k"), "streak broken by success never opens")
}
