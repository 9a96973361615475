package datasource

import (
	"math/rand"
	"time"
)

// retryDelayer computes reconnection delays: exponential doubling up to a
// cap, randomized by up to 50% in either direction so that clients do not reconnect in
// lockstep. The nominal delay resets to the initial value only after a
// connection has stayed open for at least resetInterval.
//
// The state is plain data so the policy can be tested without network I/O.
type retryDelayer struct {
	initial       time.Duration
	max           time.Duration
	resetInterval time.Duration
	current       time.Duration
	rng           *rand.Rand
}

func newRetryDelayer(initial, max, resetInterval time.Duration) *retryDelayer {
	return &retryDelayer{
		initial:       initial,
		max:           max,
		resetInterval: resetInterval,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay advances the nominal delay and returns a jittered value in
// [nominal/2, nominal*1.5). connectionHeld is how long the previous
// connection stayed open; a long-enough run resets the sequence.
func (r *retryDelayer) NextDelay(connectionHeld time.Duration) time.Duration {
	if connectionHeld >= r.resetInterval {
		r.current = 0
	}
	if r.current == 0 {
		r.current = r.initial
	} else {
		r.current *= 2
		if r.current > r.max {
			r.current = r.max
		}
	}
	return r.current/2 + time.Duration(r.rng.Int63n(int64(r.current)))
}
