// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// maxWriteBatchSize caps how many writes a single write_watchable
// message may carry. The drain loop never packs more than this into
// one request.
const maxWriteBatchSize = 500

// A WriteRequest tracks a single value write from the moment Write is
// called until the server confirms or rejects it. Completed requests
// can be inspected after the fact, which matters for batched writes
// whose outcome is only known when the batch scope ends.
type WriteRequest struct {
	handle *Handle
	value  any

	mu         sync.Mutex
	done       chan struct{}
	success    bool
	failReason string

	// assigned when the request is packed into a wire message
	batchIndex int
	token      string
}

func newWriteRequest(h *Handle, value any) *WriteRequest {
	return &WriteRequest{handle: h, value: value, done: make(chan struct{}), batchIndex: -1}
}

// Handle reports the handle this write targets.
func (w *WriteRequest) Handle() *Handle { return w.handle }

// Completed reports whether the request reached a terminal state.
func (w *WriteRequest) Completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Success reports whether the write was confirmed by the server. It
// is only meaningful once Completed reports true.
func (w *WriteRequest) Success() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.success
}

// FailureReason describes why the write failed, or "" on success.
func (w *WriteRequest) FailureReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failReason
}

// complete resolves the request. Later calls are ignored.
func (w *WriteRequest) complete(success bool, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	w.success = success
	w.failReason = reason
	if success {
		w.handle.setLastWrite(time.Now())
	}
	close(w.done)
}

// WaitTimeout blocks until the request completes or d elapses, then
// reports failure as an error.
func (w *WriteRequest) WaitTimeout(d time.Duration) error {
	select {
	case <-w.done:
	case <-time.After(d):
		return timeoutErrorf("write to %s did not complete in %v", w.handle.name, d)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.success {
		return opErrorf("write to %s failed: %s", w.handle.name, w.failReason)
	}
	return nil
}

// A Batch groups writes issued within a BatchWrite scope so they go
// out in a single wire message with a guaranteed server-side order.
// Its timeout replaces the client-wide write timeout for every write
// it carries.
type Batch struct {
	requests []*WriteRequest
	timeout  time.Duration
}

// A flushPoint is a barrier in the write queue: the drain loop stops
// packing at it and signals the waiter once everything queued before
// it has been sent.
type flushPoint struct{ done chan struct{} }

// routeWrite enqueues a write for the drain loop. Inside a batch
// scope on the calling goroutine, the write joins the pending batch
// instead; the second return value reports which happened.
func (c *Client) routeWrite(req *WriteRequest) (batched bool, err error) {
	if _, ok := req.value.(string); !ok {
		switch req.value.(type) {
		case bool, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			return false, invalidValuef("unsupported value type %T for %s", req.value, req.handle.name)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return false, connErrorf(nil, "disconnected from server")
	}
	if batch := c.activeBatch; batch != nil {
		batch.requests = append(batch.requests, req)
		return true, nil
	}
	c.writeQueue.Add(req)
	return false, nil
}

// FlushWrites blocks until every write queued before the call has
// been handed to the transport. It does not wait for completions.
func (c *Client) FlushWrites(timeout time.Duration) error {
	fp := &flushPoint{done: make(chan struct{})}
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return connErrorf(nil, "disconnected from server")
	}
	c.writeQueue.Add(fp)
	c.mu.Unlock()
	select {
	case <-fp.done:
		return nil
	case <-time.After(timeout):
		return timeoutErrorf("write queue did not flush in %v", timeout)
	}
}

// BatchWrite runs fn inside a batch scope: every Write on a handle
// made by fn is accumulated rather than sent, then the whole batch
// goes out as one wire message when fn returns. BatchWrite then
// blocks until every write in the batch completes or the timeout
// elapses. Batch scopes do not nest. A timeout of zero uses the
// client's write timeout.
func (c *Client) BatchWrite(timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = c.writeTimeout
	}
	batch := &Batch{timeout: timeout}

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return connErrorf(nil, "disconnected from server")
	}
	if c.activeBatch != nil {
		c.mu.Unlock()
		return notAllowedf("cannot nest write batches")
	}
	c.activeBatch = batch
	c.mu.Unlock()

	fnErr := fn()
	failReason := "batch abandoned"
	if fnErr == nil && len(batch.requests) > maxWriteBatchSize {
		fnErr = notAllowedf("batch holds %d writes, limit is %d", len(batch.requests), maxWriteBatchSize)
		failReason = fmt.Sprintf("batch of %d writes exceeds the limit of %d", len(batch.requests), maxWriteBatchSize)
	}

	c.mu.Lock()
	c.activeBatch = nil
	if fnErr == nil && len(batch.requests) > 0 {
		c.writeQueue.Add(batch)
	}
	c.mu.Unlock()

	if fnErr != nil {
		for _, req := range batch.requests {
			req.complete(false, failReason)
		}
		return fnErr
	}

	deadline := time.Now().Add(timeout + waitMargin)
	for _, req := range batch.requests {
		if err := req.WaitTimeout(max(time.Until(deadline), 0)); err != nil {
			return err
		}
	}
	return nil
}

// writeUpdate is one entry of a write_watchable request.
type writeUpdate struct {
	BatchIndex  int    `json:"batch_index"`
	WatchableID string `json:"watchable"`
	Value       any    `json:"value"`
}

type writeWatchablePayload struct {
	wire.Header
	Updates []writeUpdate `json:"updates"`
}

type writeWatchableResponse struct {
	wire.Header
	RequestToken string `json:"request_token"`
	Count        int    `json:"count"`
}

// pendingWriteBatch is a write_watchable message in flight: acked or
// not, with per-entry completions still owed by the server. Its
// timeout is the batch scope's own when the message carries a batch,
// the client-wide write timeout otherwise.
type pendingWriteBatch struct {
	created time.Time
	timeout time.Duration
	token   string // assigned by the server ack
	byIndex map[int]*WriteRequest
}

// drainWriteQueue packs queued writes into wire messages. It stops at
// flush points and at the batch size cap. Runs on the scheduler
// goroutine.
func (c *Client) drainWriteQueue() {
	for {
		var packed []*WriteRequest
		timeout := c.writeTimeout
		c.mu.Lock()
	pack:
		for len(packed) < maxWriteBatchSize {
			item, ok := c.writeQueue.Peek(0)
			if !ok {
				break
			}
			switch v := item.(type) {
			case *WriteRequest:
				c.writeQueue.Pop()
				if _, alive := v.handle.serverIDIfAlive(); !alive {
					v.complete(false, "watch handle is no longer valid")
					continue
				}
				packed = append(packed, v)
			case *Batch:
				if len(packed) > 0 {
					// Finish the current message first; the batch must
					// travel whole.
					break pack
				}
				c.writeQueue.Pop()
				timeout = v.timeout
				for _, req := range v.requests {
					if _, alive := req.handle.serverIDIfAlive(); !alive {
						req.complete(false, "watch handle is no longer valid")
						continue
					}
					packed = append(packed, req)
				}
				break pack
			case *flushPoint:
				if len(packed) > 0 {
					break pack
				}
				c.writeQueue.Pop()
				close(v.done)
			default:
				c.writeQueue.Pop()
				glog.Errorf("scrutiny: unexpected item %T in write queue", item)
			}
		}
		c.mu.Unlock()
		if len(packed) == 0 {
			return
		}
		c.sendWriteMessage(packed, timeout)
	}
}

// sendWriteMessage emits one write_watchable request for the packed
// writes and registers the pending batch under the token from the
// ack.
func (c *Client) sendWriteMessage(packed []*WriteRequest, timeout time.Duration) {
	payload := &writeWatchablePayload{Updates: make([]writeUpdate, len(packed))}
	pwb := &pendingWriteBatch{created: time.Now(), timeout: timeout, byIndex: make(map[int]*WriteRequest, len(packed))}
	for i, req := range packed {
		id, _ := req.handle.serverIDIfAlive()
		req.batchIndex = i
		payload.Updates[i] = writeUpdate{BatchIndex: i, WatchableID: id, Value: req.value}
		pwb.byIndex[i] = req
	}

	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK {
			for _, req := range packed {
				req.complete(false, "write request was not acknowledged: "+state.String())
			}
			return nil
		}
		var rsp writeWatchableResponse
		if err := msg.Decode(&rsp); err != nil {
			for _, req := range packed {
				req.complete(false, "malformed write acknowledgement")
			}
			return badResponsef("malformed write acknowledgement: %v", err)
		}
		if rsp.Count != len(packed) {
			for _, req := range packed {
				req.complete(false, "server acknowledged the wrong number of writes")
			}
			return badResponsef("write ack covers %d updates, sent %d", rsp.Count, len(packed))
		}
		c.mu.Lock()
		pwb.token = rsp.RequestToken
		c.pendingWrites[rsp.RequestToken] = pwb
		c.mu.Unlock()
		for _, req := range packed {
			req.token = rsp.RequestToken
		}
		return nil
	}

	if _, err := c.send(wire.CmdWriteWatchable, payload, callback, timeout); err != nil {
		for _, req := range packed {
			req.complete(false, "could not send write request: "+err.Error())
		}
		return
	}
	c.metrics.writesSent.Add(int64(len(packed)))
}

// writeCompletionPayload is the wire shape of inform_write_completion.
type writeCompletionPayload struct {
	wire.Header
	RequestToken string  `json:"request_token"`
	BatchIndex   int     `json:"batch_index"`
	Success      bool    `json:"success"`
	Timestamp    float64 `json:"timestamp"`
}

// handleWriteCompletion resolves one write of a pending batch.
// Completions arrive in any order; the batch entry is retired when
// its last write resolves.
func (c *Client) handleWriteCompletion(msg *wire.Message) error {
	var p writeCompletionPayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed write completion: %v", err)
	}
	c.mu.Lock()
	pwb := c.pendingWrites[p.RequestToken]
	var req *WriteRequest
	if pwb != nil {
		req = pwb.byIndex[p.BatchIndex]
		delete(pwb.byIndex, p.BatchIndex)
		if len(pwb.byIndex) == 0 {
			delete(c.pendingWrites, p.RequestToken)
		}
	}
	c.mu.Unlock()

	if req == nil {
		glog.Errorf("scrutiny: write completion for unknown token %s index %d", p.RequestToken, p.BatchIndex)
		return nil
	}
	if p.Success {
		req.complete(true, "")
	} else {
		c.metrics.writesFailed.Add(1)
		req.complete(false, "device refused the write")
	}
	return nil
}

// pruneWriteBatchesLocked fails pending writes whose batch outlived
// its own timeout or whose handle died while waiting. Caller holds
// c.mu; completions run after the lock is released by the caller
// passing through the returned list.
func (c *Client) pruneWriteBatchesLocked(now time.Time) (expired []*WriteRequest) {
	for token, pwb := range c.pendingWrites {
		if now.Sub(pwb.created) > pwb.timeout {
			for _, req := range pwb.byIndex {
				expired = append(expired, req)
			}
			delete(c.pendingWrites, token)
			continue
		}
		for idx, req := range pwb.byIndex {
			if req.handle.isDead() {
				expired = append(expired, req)
				delete(pwb.byIndex, idx)
			}
		}
		if len(pwb.byIndex) == 0 {
			delete(c.pendingWrites, token)
		}
	}
	return expired
}
