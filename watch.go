// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// WatchableType is the kind of element a watch handle refers to.
type WatchableType int

const (
	Variable WatchableType = iota
	Alias
	RuntimePublishedValue
)

func (t WatchableType) String() string {
	switch t {
	case Variable:
		return "var"
	case Alias:
		return "alias"
	case RuntimePublishedValue:
		return "rpv"
	default:
		return "unknown"
	}
}

func parseWatchableType(s string) WatchableType {
	switch s {
	case "alias":
		return Alias
	case "rpv":
		return RuntimePublishedValue
	default:
		return Variable
	}
}

// ValueStatus is the validity of a handle's value, and the cause of
// its invalidity when it is not valid.
type ValueStatus int

const (
	StatusValid            ValueStatus = iota
	StatusNeverSet                     // no value received yet
	StatusServerGone                   // client disconnected from the server
	StatusDeviceGone                   // device communication stopped
	StatusFirmwareUnloaded             // firmware description unloaded
	StatusNotWatched                   // subscription was cancelled
)

func (s ValueStatus) String() string {
	switch s {
	case StatusValid:
		return "Valid"
	case StatusNeverSet:
		return "NeverSet"
	case StatusServerGone:
		return "ServerGone"
	case StatusDeviceGone:
		return "DeviceGone"
	case StatusFirmwareUnloaded:
		return "FirmwareUnloaded"
	case StatusNotWatched:
		return "NotWatched"
	default:
		return "Unknown"
	}
}

func (s ValueStatus) reason() string {
	switch s {
	case StatusNeverSet:
		return "never set"
	case StatusServerGone:
		return "server has gone away"
	case StatusDeviceGone:
		return "device has been disconnected"
	case StatusFirmwareUnloaded:
		return "firmware description has been unloaded"
	case StatusNotWatched:
		return "not watched"
	}
	return ""
}

// WatchableConfig is the server-assigned configuration of a watched
// element, returned by the subscribe request.
type WatchableConfig struct {
	ServerID string
	Type     WatchableType
	DataType string
}

// A Handle is the client-side proxy of a watched server element. It
// is created by the first Watch call for a path, shared by every
// subsequent Watch of the same path, and updated by the client's
// worker goroutines. All methods are safe for concurrent use.
type Handle struct {
	c    *Client
	path string
	name string // last element of the path

	mu          sync.Mutex
	cfg         *WatchableConfig
	status      ValueStatus
	value       any
	lastUpdate  time.Time
	lastWrite   time.Time
	updateCount uint64
}

func newHandle(c *Client, path string) *Handle {
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return &Handle{c: c, path: path, name: name, status: StatusNeverSet}
}

// Path reports the display path of the watched element.
func (h *Handle) Path() string { return h.path }

// Name reports the last element of the display path.
func (h *Handle) Name() string { return h.name }

// Type reports the watchable type. It is only meaningful once the
// handle is configured by a successful Watch.
func (h *Handle) Type() WatchableType {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg == nil {
		return Variable
	}
	return h.cfg.Type
}

// ServerID reports the server-assigned ID of the element, or an error
// if the handle was never configured.
func (h *Handle) ServerID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg == nil {
		return "", invalidValuef("handle for %s is not ready to be used", h.path)
	}
	return h.cfg.ServerID, nil
}

// Status reports the validity of the handle's value.
func (h *Handle) Status() ValueStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Value returns the last value received for the element. It fails
// with an InvalidValueError when no valid value is available, naming
// the cause.
func (h *Handle) Value() (any, error) {
	h.mu.Lock()
	val, status := h.value, h.status
	h.mu.Unlock()
	if status != StatusValid || val == nil {
		return nil, invalidValuef("value of %s is unusable: %s", h.name, status.reason())
	}
	return val, nil
}

// LastUpdate reports the time of the last value update.
func (h *Handle) LastUpdate() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUpdate
}

// UpdateCount reports how many value updates the handle received.
// Useful with WaitUpdate to detect changes.
func (h *Handle) UpdateCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateCount
}

// isDead reports whether the handle can no longer produce values.
// NeverSet does not count as dead: a value may still arrive.
func (h *Handle) isDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status != StatusValid && h.status != StatusNeverSet
}

// serverIDIfAlive returns the server ID when the handle is configured
// and not invalidated.
func (h *Handle) serverIDIfAlive() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg == nil || (h.status != StatusValid && h.status != StatusNeverSet) {
		return "", false
	}
	return h.cfg.ServerID, true
}

func (h *Handle) configure(cfg *WatchableConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	h.status = StatusNeverSet
	h.value = nil
	h.updateCount = 0
}

func (h *Handle) updateValue(val any, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusServerGone {
		h.value = nil
		return
	}
	h.status = StatusValid
	h.value = val
	h.lastUpdate = at
	h.updateCount++
}

func (h *Handle) setInvalid(status ValueStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = nil
	h.status = status
}

func (h *Handle) setLastWrite(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastWrite = at
}

// Write requests a new value for the element. Outside of a batch the
// call blocks until the server confirms the write or the write
// timeout elapses. Inside a batch the write is accumulated and
// resolved when the batch scope ends; the returned WriteRequest can
// be inspected afterward.
func (h *Handle) Write(value any) (*WriteRequest, error) {
	if value == nil {
		return nil, invalidValuef("cannot write a nil value to %s", h.name)
	}
	req := newWriteRequest(h, value)
	batched, err := h.c.routeWrite(req)
	if err != nil {
		return nil, err
	}
	if !batched {
		if err := req.WaitTimeout(h.c.writeTimeout + waitMargin); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Unwatch cancels the subscription backing this handle.
func (h *Handle) Unwatch() error { return h.c.Unwatch(h.path) }

// handleWaitPoll is the polling interval of WaitUpdate.
const handleWaitPoll = 10 * time.Millisecond

// WaitUpdate blocks until the handle's update counter moves past
// prevCount, the handle becomes invalid, or the timeout elapses.
// Pass the result of UpdateCount, or UpdateCount()+N to wait for N
// further updates.
func (h *Handle) WaitUpdate(prevCount uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		status, count := h.status, h.updateCount
		h.mu.Unlock()
		if status != StatusNeverSet && status != StatusValid {
			return invalidValuef("%s: %s", h.name, status.reason())
		}
		if count > prevCount {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutErrorf("value of %s did not update in %v", h.name, timeout)
		}
		time.Sleep(handleWaitPoll)
	}
}

// handleMap is the bidirectional watch-handle cache: every entry is
// present under both its display path and its server-assigned ID, or
// under neither.
type handleMap struct {
	byPath map[string]*Handle
	byID   map[string]*Handle
}

func newHandleMap() handleMap {
	return handleMap{byPath: make(map[string]*Handle), byID: make(map[string]*Handle)}
}

func (m handleMap) put(h *Handle, serverID string) {
	m.byPath[h.path] = h
	m.byID[serverID] = h
}

func (m handleMap) lookupPath(path string) *Handle { return m.byPath[path] }
func (m handleMap) lookupID(id string) *Handle     { return m.byID[id] }
func (m handleMap) len() int                       { return len(m.byPath) }

// remove evicts the handle watching path from both sides of the map.
func (m handleMap) remove(path string) *Handle {
	h := m.byPath[path]
	if h == nil {
		return nil
	}
	delete(m.byPath, path)
	for id, cand := range m.byID {
		if cand == h {
			delete(m.byID, id)
			break
		}
	}
	return h
}

// all returns the cached handles in no particular order.
func (m handleMap) all() []*Handle {
	out := make([]*Handle, 0, len(m.byPath))
	for _, h := range m.byPath {
		out = append(out, h)
	}
	return out
}

// watchCall tracks an in-flight subscribe request so that concurrent
// Watch calls for the same path coalesce into a single request. The
// future is only readable after ready closes.
type watchCall struct {
	handle *Handle
	ready  chan struct{}
	future *CallFuture
	err    error
}

// subscribePayload is the wire shape of subscribe_watchable and
// unsubscribe_watchable.
type subscribePayload struct {
	wire.Header
	Watchables []string `json:"watchables"`
}

type subscribeResponse struct {
	wire.Header
	Subscribed map[string]struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		DataType string `json:"datatype"`
	} `json:"subscribed"`
}

type unsubscribeResponse struct {
	wire.Header
	Unsubscribed []string `json:"unsubscribed"`
}

// Watch starts watching the element at the given display path and
// returns its handle. Watching an already-watched path returns the
// cached handle without a server round trip; concurrent first watches
// of the same path issue a single subscribe request.
func (c *Client) Watch(path string) (*Handle, error) {
	if path == "" {
		return nil, invalidValuef("path must not be empty")
	}

	c.mu.Lock()
	if h := c.handles.lookupPath(path); h != nil {
		c.mu.Unlock()
		return h, nil
	}
	if call, ok := c.watchInflight[path]; ok {
		c.mu.Unlock()
		return c.awaitWatch(path, call, false)
	}
	call := &watchCall{handle: newHandle(c, path), ready: make(chan struct{})}
	c.watchInflight[path] = call
	c.mu.Unlock()

	h := call.handle
	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var rsp subscribeResponse
		if err := msg.Decode(&rsp); err != nil {
			return badResponsef("malformed subscribe response: %v", err)
		}
		if len(rsp.Subscribed) != 1 {
			return badResponsef("server confirmed %d subscriptions, requested 1", len(rsp.Subscribed))
		}
		def, ok := rsp.Subscribed[path]
		if !ok {
			return badResponsef("server confirmed the wrong watchable, expected %s", path)
		}
		h.configure(&WatchableConfig{
			ServerID: def.ID,
			Type:     parseWatchableType(def.Type),
			DataType: def.DataType,
		})
		c.adoptHandle(h, def.ID)
		return nil
	}

	call.future, call.err = c.send(wire.CmdSubscribeWatchable, &subscribePayload{Watchables: []string{path}}, callback, 0)
	close(call.ready)
	if call.err != nil {
		c.mu.Lock()
		delete(c.watchInflight, path)
		c.mu.Unlock()
		return nil, call.err
	}
	return c.awaitWatch(path, call, true)
}

// adoptHandle installs a configured handle in the cache. A subscribe
// response can race the disconnect teardown; once the session is no
// longer connected the handle must not survive into the next one, so
// it is invalidated instead of cached.
func (c *Client) adoptHandle(h *Handle, serverID string) {
	c.mu.Lock()
	if c.state == Connected {
		c.handles.put(h, serverID)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	h.setInvalid(StatusServerGone)
}

// awaitWatch blocks on the in-flight subscribe call. The initiating
// caller (owner) retires the in-flight entry once the call settles.
func (c *Client) awaitWatch(path string, call *watchCall, owner bool) (*Handle, error) {
	<-call.ready
	if call.err != nil {
		return nil, call.err
	}
	state := call.future.Wait()
	if owner {
		c.mu.Lock()
		delete(c.watchInflight, path)
		c.mu.Unlock()
	}
	if state != StateOK {
		return nil, opErrorf("failed to subscribe to %s: %s", path, call.future.errString())
	}
	glog.V(1).Infof("scrutiny: now watching %s", path)
	return call.handle, nil
}

// Unwatch stops watching the element at the given display path,
// evicts its handle from the cache and marks the handle NotWatched.
// Unwatching a path that is not watched fails with a
// NameNotFoundError without contacting the server.
func (c *Client) Unwatch(path string) error {
	c.mu.Lock()
	h := c.handles.lookupPath(path)
	c.mu.Unlock()
	if h == nil {
		return nameNotFoundf("cannot unwatch %s: not being watched", path)
	}

	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var rsp unsubscribeResponse
		if err := msg.Decode(&rsp); err != nil {
			return badResponsef("malformed unsubscribe response: %v", err)
		}
		if len(rsp.Unsubscribed) != 1 {
			return badResponsef("server cancelled %d subscriptions, requested 1", len(rsp.Unsubscribed))
		}
		if rsp.Unsubscribed[0] != path {
			return badResponsef("server cancelled the wrong subscription: got %s, expected %s", rsp.Unsubscribed[0], path)
		}
		return nil
	}

	future, err := c.send(wire.CmdUnsubscribeWatchable, &subscribePayload{Watchables: []string{path}}, callback, 0)
	if err != nil {
		return err
	}
	if state := future.Wait(); state != StateOK {
		return opErrorf("failed to unsubscribe from %s: %s", path, future.errString())
	}

	c.mu.Lock()
	c.handles.remove(path)
	c.mu.Unlock()
	h.setInvalid(StatusNotWatched)
	glog.V(1).Infof("scrutiny: done watching %s", path)
	return nil
}

// TryGetExistingWatchHandle returns the cached handle for path, or
// nil if the path is not watched. It never contacts the server.
func (c *Client) TryGetExistingWatchHandle(path string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.lookupPath(path)
}

// TryGetExistingWatchHandleByServerID returns the cached handle with
// the given server-assigned ID, or nil. It never contacts the server.
func (c *Client) TryGetExistingWatchHandleByServerID(serverID string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.lookupID(serverID)
}

// invalidateHandlesLocked marks every cached handle of the given
// types invalid with the given cause and evicts it. A nil type list
// means all types. Caller holds c.mu.
func (c *Client) invalidateHandlesLocked(cause ValueStatus, types []WatchableType) {
	for _, h := range c.handles.all() {
		if types != nil && !slices.Contains(types, h.Type()) {
			continue
		}
		c.handles.remove(h.path)
		h.setInvalid(cause)
	}
}

// watchableUpdatePayload is the wire shape of watchable_update.
type watchableUpdatePayload struct {
	wire.Header
	Updates []struct {
		ID    string  `json:"id"`
		Value any     `json:"v"`
		TimeU float64 `json:"t"`
	} `json:"updates"`
}

// handleWatchableUpdate applies a watchable_update broadcast to the
// cached handles. Updates for unknown IDs are logged and skipped.
func (c *Client) handleWatchableUpdate(msg *wire.Message) error {
	var p watchableUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed watchable update: %v", err)
	}
	for _, u := range p.Updates {
		c.mu.Lock()
		h := c.handles.lookupID(u.ID)
		c.mu.Unlock()
		if h == nil {
			glog.Errorf("scrutiny: got watchable update for unknown server ID %s", u.ID)
			continue
		}
		h.updateValue(u.Value, c.serverMicroToTime(u.TimeU))
	}
	return nil
}

// WaitNewValueForAll blocks until every currently watched element
// received at least one update after this call, or the timeout
// elapses.
func (c *Client) WaitNewValueForAll(timeout time.Duration) error {
	c.mu.Lock()
	handles := c.handles.all()
	c.mu.Unlock()

	counters := make([]uint64, len(handles))
	for i, h := range handles {
		counters[i] = h.UpdateCount()
	}
	deadline := time.Now().Add(timeout)
	for i, h := range handles {
		remaining := max(time.Until(deadline), 0)
		if err := h.WaitUpdate(counters[i], remaining); err != nil {
			return err
		}
	}
	return nil
}
