// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// A pendingCall is an outbound request awaiting its correlated
// response. Entries live in the client's pending table keyed by
// request ID; removal from the table and the decision of how the call
// ends happen atomically under c.mu, so a response, the timeout sweep
// and a teardown can race without resolving the same call twice.
type pendingCall struct {
	cmd      string
	future   *CallFuture
	callback ResponseCallback
	deadline time.Time
}

// maxReqID is the exclusive upper bound of the request ID space; the
// allocator wraps to zero before reaching it.
const maxReqID = 1<<32 - 1

// nextRequestIDLocked allocates a request ID. Caller holds c.mu.
func (c *Client) nextRequestIDLocked() uint32 {
	id := c.nextReqID
	c.nextReqID++
	if c.nextReqID == maxReqID {
		c.nextReqID = 0
	}
	return id
}

// send issues a correlated request: it registers the pending entry,
// then writes one wire message carrying a fresh request ID. The
// callback, if not nil, runs on the worker goroutine when the call
// resolves. A zero timeout uses the client default.
func (c *Client) send(cmd string, payload wire.Enveloper, callback ResponseCallback, timeout time.Duration) (*CallFuture, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, connErrorf(nil, "disconnected from server")
	}
	id := c.nextRequestIDLocked()
	pc := &pendingCall{
		cmd:      cmd,
		future:   newCallFuture(id, timeout),
		callback: callback,
		deadline: time.Now().Add(timeout),
	}
	simulate := c.failNextSend > 0
	if simulate {
		c.failNextSend--
	} else {
		c.pending[id] = pc
	}
	ch := c.ch
	c.mu.Unlock()

	if simulate {
		c.retireCall(id, pc, StateSimulatedError, nil)
		return pc.future, nil
	}

	data, err := wire.Marshal(cmd, &id, payload)
	if err != nil {
		c.dropCall(id)
		pc.future.complete(StateCancelled, err)
		return nil, fmt.Errorf("encoding %s request: %w", cmd, err)
	}

	// Entry registered before the send: a response racing the Send
	// return finds its call in the table.
	c.out.Lock()
	err = ch.Send(data)
	c.out.Unlock()
	if err != nil {
		c.dropCall(id)
		cerr := connErrorf(err, "sending %s request", cmd)
		pc.future.complete(StateCancelled, cerr)
		return nil, cerr
	}
	c.metrics.callsSent.Add(1)
	glog.V(2).Infof("scrutiny: sent %s reqid=%d", cmd, id)
	return pc.future, nil
}

// forceFailNextRequests makes the next n requests resolve as
// SimulatedError without touching the wire. For tests.
func (c *Client) forceFailNextRequests(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNextSend = n
}

// dropCall removes a pending entry without resolving it. Used when
// the request never made it onto the wire.
func (c *Client) dropCall(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// handleReply routes an inbound message carrying a request ID to its
// pending call. Replies with no matching call are logged and dropped.
// A ConnectionError from the callback propagates to the caller, which
// tears the connection down.
func (c *Client) handleReply(msg *wire.Message) error {
	id := *msg.ReqID
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.metrics.repliesUnmatched.Add(1)
		glog.Errorf("scrutiny: reply %s for unknown reqid %d", msg.Cmd, id)
		return nil
	}
	state := StateOK
	if msg.Cmd == wire.CmdError {
		state = StateServerError
	}
	return c.retireCall(id, pc, state, msg)
}

// retireCall runs the callback for an already-removed pending entry
// and resolves its future exactly once. Panics in the callback are
// contained and resolve the call as CallbackError.
func (c *Client) retireCall(id uint32, pc *pendingCall, state CallState, msg *wire.Message) error {
	var cbErr error
	if pc.callback != nil {
		cbErr = func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("response callback panicked: %v", p)
				}
			}()
			return pc.callback(state, msg)
		}()
	}

	switch {
	case cbErr == nil:
		switch state {
		case StateServerError:
			pc.future.complete(state, opErrorf("server rejected %s request: %s", pc.cmd, serverErrorDetail(msg)))
		case StateSimulatedError:
			pc.future.complete(state, opErrorf("simulated failure of %s request", pc.cmd))
		default:
			pc.future.complete(state, nil)
		}
		return nil
	default:
		pc.future.complete(StateCallbackError, cbErr)
		var cerr *ConnectionError
		if errors.As(cbErr, &cerr) {
			return cerr
		}
		glog.Errorf("scrutiny: callback for %s reqid=%d failed: %v", pc.cmd, id, cbErr)
		return nil
	}
}

type serverErrorPayload struct {
	wire.Header
	RequestCmd string `json:"request_cmd"`
	Message    string `json:"msg"`
}

func serverErrorDetail(msg *wire.Message) string {
	if msg == nil {
		return "no detail"
	}
	var p serverErrorPayload
	if err := msg.Decode(&p); err != nil || p.Message == "" {
		return "no detail"
	}
	return p.Message
}

// sweepTimeouts resolves every pending call whose deadline has
// passed. Runs on the scheduler goroutine.
func (c *Client) sweepTimeouts(now time.Time) {
	var expired []*pendingCall
	var ids []uint32
	c.mu.Lock()
	for id, pc := range c.pending {
		if now.After(pc.deadline) {
			delete(c.pending, id)
			expired = append(expired, pc)
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for i, pc := range expired {
		c.metrics.callsTimedOut.Add(1)
		glog.Errorf("scrutiny: %s reqid=%d timed out", pc.cmd, ids[i])
		c.retireCall(ids[i], pc, StateTimedOut, nil)
	}
}

// cancelAllCalls empties the pending table and resolves every call as
// Cancelled. Part of the disconnect path.
func (c *Client) cancelAllCalls() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.mu.Unlock()
	for id, pc := range pending {
		c.retireCall(id, pc, StateCancelled, nil)
	}
}
