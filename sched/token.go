package sched

import (
	"sync/atomic"
)

const (
	tokenPending uint32 = iota
	tokenClaimed
)

// Token is a single-use wait token. A waiter parks on exactly one Token,
// and the token resolves to exactly one outcome: the first of {MakeReady,
// deadline expiry} to claim it wins, the loser observes that it lost.
//
// The claim is a single CAS on the token's state word, which is what makes
// the timeout-versus-release race deterministic: there is no window in
// which both can succeed, and no window in which neither does.
type Token struct {
	thread *Thread
	state  atomic.Uint32
	wake   chan WakeReason
}

// NewToken returns a token for a single wait performed on behalf of t.
// t may be nil for anonymous waiters.
func NewToken(t *Thread) *Token {
	return &Token{
		thread: t,
		wake:   make(chan WakeReason, 1),
	}
}

// Thread returns the thread handle the token was created for, if any.
func (t *Token) Thread() *Thread { return t.thread }

// Claimed reports whether the token has already resolved. Advisory only.
func (t *Token) Claimed() bool { return t.state.Load() == tokenClaimed }

// claim attempts to win the token. Exactly one caller ever succeeds.
func (t *Token) claim() bool {
	return t.state.CompareAndSwap(tokenPending, tokenClaimed)
}
