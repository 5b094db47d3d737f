// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"sync"
	"time"

	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// CallState describes the terminal state of a correlated server call.
type CallState int

const (
	StatePending        CallState = iota // no decision yet
	StateOK                              // server answered successfully
	StateTimedOut                        // no answer within the request timeout
	StateCancelled                       // connection torn down before an answer
	StateServerError                     // server answered with an error response
	StateCallbackError                   // the response callback itself failed
	StateSimulatedError                  // failure injected by the test hook
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOK:
		return "OK"
	case StateTimedOut:
		return "TimedOut"
	case StateCancelled:
		return "Cancelled"
	case StateServerError:
		return "ServerError"
	case StateCallbackError:
		return "CallbackError"
	case StateSimulatedError:
		return "SimulatedError"
	default:
		return "Unknown"
	}
}

// A ResponseCallback processes the response to a correlated request.
// It runs on the client's worker goroutine: it must not block, and it
// must not wait on another server call. A returned error resolves the
// call's future as StateCallbackError; returning a *ConnectionError is
// the one case that unwinds into a full disconnect.
type ResponseCallback func(state CallState, msg *wire.Message) error

// A CallFuture is the single-assignment completion cell for a
// correlated request. The transition out of StatePending happens once;
// callers may block on it with Wait.
type CallFuture struct {
	reqID       uint32
	waitTimeout time.Duration // request timeout plus margin

	once  sync.Once
	done  chan struct{}
	state CallState
	err   error
}

// Wait margin over the request timeout so that the timeout sweep gets
// to resolve the future as TimedOut before the waiter itself gives up.
const waitMargin = 500 * time.Millisecond

func newCallFuture(reqID uint32, timeout time.Duration) *CallFuture {
	return &CallFuture{
		reqID:       reqID,
		waitTimeout: timeout + waitMargin,
		done:        make(chan struct{}),
	}
}

// complete resolves the future. Only the first call has any effect.
func (f *CallFuture) complete(state CallState, err error) {
	f.once.Do(func() {
		f.state = state
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or its default wait deadline
// elapses, then reports the state. A StatePending result means the
// deadline elapsed without a decision.
func (f *CallFuture) Wait() CallState { return f.WaitTimeout(f.waitTimeout) }

// WaitTimeout is Wait with an explicit deadline.
func (f *CallFuture) WaitTimeout(d time.Duration) CallState {
	select {
	case <-f.done:
	case <-time.After(d):
	}
	return f.State()
}

// State reports the current state without blocking.
func (f *CallFuture) State() CallState {
	select {
	case <-f.done:
		return f.state
	default:
		return StatePending
	}
}

// Err reports the error recorded with the terminal state, or nil.
func (f *CallFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// errString renders the failure of f for inclusion in a caller-facing
// error message.
func (f *CallFuture) errString() string {
	if err := f.Err(); err != nil {
		return err.Error()
	}
	switch f.State() {
	case StatePending:
		return "not processed yet"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed out"
	case StateSimulatedError:
		return "simulated failure"
	}
	return ""
}
