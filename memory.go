// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"encoding/base64"
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// memoryOpLifetime bounds how long the client waits for the deferred
// completion of an acknowledged memory operation before giving up.
const memoryOpLifetime = 30 * time.Second

// A memoryOp is an acknowledged read_memory or write_memory request
// whose outcome arrives later as a token-keyed completion broadcast.
type memoryOp struct {
	created time.Time
	write   bool
	done    chan struct{}
	data    []byte // read result
	success bool
	detail  string
}

func (op *memoryOp) complete(success bool, data []byte, detail string) {
	select {
	case <-op.done:
		return
	default:
	}
	op.success = success
	op.data = data
	op.detail = detail
	close(op.done)
}

type readMemoryPayload struct {
	wire.Header
	Address uint64 `json:"address"`
	Size    uint32 `json:"size"`
}

type writeMemoryPayload struct {
	wire.Header
	Address uint64 `json:"address"`
	Data    string `json:"data"` // base64
}

type memoryAckPayload struct {
	wire.Header
	RequestToken string `json:"request_token"`
}

type memoryCompletionPayload struct {
	wire.Header
	RequestToken string `json:"request_token"`
	Success      bool   `json:"success"`
	Data         string `json:"data"` // base64, reads only
	Detail       string `json:"detail"`
}

// ReadMemory reads size bytes of raw device memory at address. The
// server acknowledges the request with a token and reports the data
// in a later completion broadcast; the call blocks for both stages.
// A timeout of zero waits up to the deferred-completion lifetime.
func (c *Client) ReadMemory(address uint64, size uint32, timeout time.Duration) ([]byte, error) {
	if size == 0 {
		return nil, invalidValuef("memory read size must not be zero")
	}
	op, err := c.startMemoryOp(wire.CmdReadMemory, &readMemoryPayload{Address: address, Size: size}, false)
	if err != nil {
		return nil, err
	}
	if err := c.awaitMemoryOp(op, timeout); err != nil {
		return nil, err
	}
	return op.data, nil
}

// WriteMemory writes data to raw device memory at address, blocking
// until the device-side completion. A timeout of zero waits up to the
// deferred-completion lifetime.
func (c *Client) WriteMemory(address uint64, data []byte, timeout time.Duration) error {
	if len(data) == 0 {
		return invalidValuef("memory write data must not be empty")
	}
	payload := &writeMemoryPayload{Address: address, Data: base64.StdEncoding.EncodeToString(data)}
	op, err := c.startMemoryOp(wire.CmdWriteMemory, payload, true)
	if err != nil {
		return err
	}
	return c.awaitMemoryOp(op, timeout)
}

// startMemoryOp sends the request and waits for the token-bearing
// ack, registering the op for the completion broadcast.
func (c *Client) startMemoryOp(cmd string, payload wire.Enveloper, write bool) (*memoryOp, error) {
	op := &memoryOp{created: time.Now(), write: write, done: make(chan struct{})}
	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var ack memoryAckPayload
		if err := msg.Decode(&ack); err != nil {
			return badResponsef("malformed %s acknowledgement: %v", cmd, err)
		}
		if ack.RequestToken == "" {
			return badResponsef("%s acknowledgement carries no request token", cmd)
		}
		c.mu.Lock()
		c.pendingMemOps[ack.RequestToken] = op
		c.mu.Unlock()
		return nil
	}
	future, err := c.send(cmd, payload, callback, 0)
	if err != nil {
		return nil, err
	}
	if state := future.Wait(); state != StateOK {
		return nil, opErrorf("%s request failed: %s", cmd, future.errString())
	}
	return op, nil
}

func (c *Client) awaitMemoryOp(op *memoryOp, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = memoryOpLifetime
	}
	kind := "read"
	if op.write {
		kind = "write"
	}
	select {
	case <-op.done:
	case <-time.After(timeout):
		return timeoutErrorf("memory %s did not complete in %v", kind, timeout)
	}
	if !op.success {
		detail := op.detail
		if detail == "" {
			detail = "no detail"
		}
		return opErrorf("memory %s failed: %s", kind, detail)
	}
	return nil
}

// handleMemoryCompletion resolves an acknowledged memory operation
// from its completion broadcast. Unknown tokens are logged and
// dropped.
func (c *Client) handleMemoryCompletion(msg *wire.Message, write bool) error {
	var p memoryCompletionPayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed memory completion: %v", err)
	}
	c.mu.Lock()
	op, ok := c.pendingMemOps[p.RequestToken]
	delete(c.pendingMemOps, p.RequestToken)
	c.mu.Unlock()
	if !ok || op.write != write {
		glog.Errorf("scrutiny: memory completion for unknown token %s", p.RequestToken)
		return nil
	}
	var data []byte
	if p.Success && !write {
		var err error
		data, err = base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			op.complete(false, nil, "undecodable data payload")
			return badResponsef("memory read completion carries bad base64: %v", err)
		}
	}
	op.complete(p.Success, data, p.Detail)
	return nil
}

// pruneMemoryOpsLocked drops operations whose completion never came.
// Caller holds c.mu and resolves the returned ops after unlocking.
func (c *Client) pruneMemoryOpsLocked(now time.Time) (expired []*memoryOp) {
	for token, op := range c.pendingMemOps {
		if now.Sub(op.created) > memoryOpLifetime {
			delete(c.pendingMemOps, token)
			expired = append(expired, op)
		}
	}
	return expired
}
