// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/mds/mlink"
	"github.com/creachadair/taskgroup"
	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// Options control the construction of a Client. A zero Options is
// ready for use and provides sensible defaults.
type Options struct {
	// Name identifies the client in server-side logs. If empty, a
	// generic name is reported.
	Name string

	// Timeout bounds how long the server may take to answer a
	// request. Default: 4 seconds.
	Timeout time.Duration

	// WriteTimeout bounds how long a value write may take from queuing
	// to device-side confirmation. Default: 5 seconds.
	WriteTimeout time.Duration

	// EnabledEvents is the initial event subscription mask.
	// Default: no events.
	EnabledEvents EventFlag

	// StatusInterval is the period of the server status poll.
	// Default: 2 seconds.
	StatusInterval time.Duration

	// TickInterval is the period of the internal scheduler.
	// Default: 20 milliseconds.
	TickInterval time.Duration

	// SkipStatusWait makes Connect return as soon as the channel is
	// up instead of waiting for the first server status.
	SkipStatusWait bool
}

func (o Options) name() string {
	if o.Name == "" {
		return "scrutiny-go"
	}
	return o.Name
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 4 * time.Second
	}
	return o.Timeout
}

func (o Options) writeTimeout() time.Duration {
	if o.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return o.WriteTimeout
}

func (o Options) statusInterval() time.Duration {
	if o.StatusInterval <= 0 {
		return 2 * time.Second
	}
	return o.StatusInterval
}

func (o Options) tickInterval() time.Duration {
	if o.TickInterval <= 0 {
		return 20 * time.Millisecond
	}
	return o.TickInterval
}

// A Client maintains a connection to a Scrutiny server and gives
// access to the device behind it: watching and writing variables,
// reading raw memory and requesting datalogging acquisitions. All
// methods are safe for concurrent use.
//
// A Client is reusable: after Disconnect it may Connect again, but it
// talks to at most one server at a time.
type Client struct {
	name         string
	timeout      time.Duration
	writeTimeout time.Duration
	statusEvery  time.Duration
	tickEvery    time.Duration
	skipWait     bool

	metrics *clientMetrics
	events  chan Event

	out struct {
		// Must hold the lock to send on ch.
		sync.Mutex
	}

	mu sync.Mutex // protects the fields below

	state        ServerState
	ch           wire.Channel
	tasks        *taskgroup.Group
	stop         chan struct{}
	teardownOnce *sync.Once
	host         string
	port         int
	timebase     time.Time // device time zero, from the welcome message

	nextReqID uint32
	pending   map[uint32]*pendingCall
	listings  map[uint32]*WatchableListRequest

	handles       handleMap
	watchInflight map[string]*watchCall

	writeQueue    *mlink.Queue[any]
	activeBatch   *Batch
	pendingWrites map[string]*pendingWriteBatch

	pendingMemOps map[string]*memoryOp
	pendingAcqs   map[string]*AcquisitionRequest

	enabledEvents EventFlag
	info          *ServerInfo // newest status snapshot
	lastInfo      *ServerInfo // last snapshot diffed for events
	statusCh      chan struct{}

	failNextSend int // test hook: simulate send failures
}

// NewClient constructs an unconnected client with the given options.
func NewClient(opts Options) *Client {
	return &Client{
		name:         opts.name(),
		timeout:      opts.timeout(),
		writeTimeout: opts.writeTimeout(),
		statusEvery:  opts.statusInterval(),
		tickEvery:    opts.tickInterval(),
		skipWait:     opts.SkipStatusWait,

		metrics: newClientMetrics(),
		events:  make(chan Event, eventQueueSize),

		pending:       make(map[uint32]*pendingCall),
		listings:      make(map[uint32]*WatchableListRequest),
		handles:       newHandleMap(),
		watchInflight: make(map[string]*watchCall),
		writeQueue:    mlink.NewQueue[any](),
		pendingWrites: make(map[string]*pendingWriteBatch),
		pendingMemOps: make(map[string]*memoryOp),
		pendingAcqs:   make(map[string]*AcquisitionRequest),
		enabledEvents: opts.EnabledEvents,
		statusCh:      make(chan struct{}),
	}
}

// Name reports the name the client identifies itself with.
func (c *Client) Name() string { return c.name }

// State reports the connection state of the client.
func (c *Client) State() ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server at host:port over TCP and starts the
// client. Unless SkipStatusWait is set, it blocks until the first
// server status snapshot arrives.
func (c *Client) Connect(host string, port int) error {
	if err := c.beginConnect(); err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		c.mu.Lock()
		c.state = Errored
		c.mu.Unlock()
		return connErrorf(err, "dialing %s", addr)
	}
	return c.start(wire.TCP(conn), host, port)
}

// ConnectChannel starts the client on an already-established channel.
// The client owns the channel and closes it on disconnect.
func (c *Client) ConnectChannel(ch wire.Channel) error {
	if err := c.beginConnect(); err != nil {
		return err
	}
	return c.start(ch, "", 0)
}

// beginConnect claims the client for a new session. Only the caller
// that moved the state to Connecting may run start, so two overlapping
// connection attempts cannot install over each other.
func (c *Client) beginConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Disconnected, Errored:
		c.state = Connecting
		return nil
	case Connecting:
		return notAllowedf("a connection attempt is already in progress")
	default:
		return notAllowedf("client is already connected")
	}
}

func (c *Client) start(ch wire.Channel, host string, port int) error {
	g := taskgroup.New(nil)
	stop := make(chan struct{})

	c.mu.Lock()
	c.state = Connected
	c.ch = ch
	c.tasks = g
	c.stop = stop
	c.teardownOnce = new(sync.Once)
	c.host, c.port = host, port
	c.timebase = time.Time{}
	c.info, c.lastInfo = nil, nil
	c.statusCh = make(chan struct{})
	c.mu.Unlock()

	g.Go(func() error { return c.recvLoop(ch) })
	g.Go(func() error { return c.schedLoop(stop) })

	glog.V(1).Infof("scrutiny: client %q connected", c.name)
	c.pushEvent(ConnectedEvent{Host: host, Port: port})

	if !c.skipWait {
		if err := c.WaitServerStatusUpdate(c.timeout); err != nil {
			c.Disconnect()
			return connErrorf(nil, "no server status within %v of connecting", c.timeout)
		}
	}
	return nil
}

// Disconnect tears the connection down and waits for the worker
// goroutines to finish. Pending calls resolve as Cancelled, queued
// writes fail, and watch handles become invalid. Disconnecting a
// client that is not connected is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	g := c.tasks
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	c.fail(nil)
	if g != nil {
		g.Wait()
	}
	return nil
}

// Close implements io.Closer as an alias for Disconnect.
func (c *Client) Close() error { return c.Disconnect() }

// fail triggers the teardown of the current session. The first cause
// wins; later calls are no-ops until the next Connect.
func (c *Client) fail(err error) {
	c.mu.Lock()
	once := c.teardownOnce
	c.mu.Unlock()
	if once != nil {
		once.Do(func() { c.teardown(err) })
	}
}

// teardown closes the channel and resolves everything in flight.
// Runs at most once per session, on whichever goroutine lost the
// race: a recv failure, a protocol fault or a user Disconnect.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	ch := c.ch
	host, port := c.host, c.port
	info := c.info
	if cause != nil {
		c.state = Errored
		glog.Errorf("scrutiny: connection failed: %v", cause)
	} else {
		c.state = Disconnected
	}
	c.info, c.lastInfo = nil, nil
	close(c.stop)
	c.watchInflight = make(map[string]*watchCall)
	c.activeBatch = nil
	writes := c.takeQueuedWritesLocked()
	pendingWrites := c.pendingWrites
	c.pendingWrites = make(map[string]*pendingWriteBatch)
	memOps := c.pendingMemOps
	c.pendingMemOps = make(map[string]*memoryOp)
	acqs := c.pendingAcqs
	c.pendingAcqs = make(map[string]*AcquisitionRequest)
	c.invalidateHandlesLocked(StatusServerGone, nil)
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.cancelAllCalls()
	c.cancelAllListings()
	for _, req := range writes {
		req.complete(false, "disconnected from server")
	}
	for _, pwb := range pendingWrites {
		for _, req := range pwb.byIndex {
			req.complete(false, "disconnected from server")
		}
	}
	for _, op := range memOps {
		op.complete(false, nil, "disconnected from server")
	}
	for _, req := range acqs {
		req.complete(false, "", "disconnected from server")
	}

	// Best effort: the server can no longer tell us the device or the
	// firmware went away, so synthesize the transitions from the last
	// known snapshot.
	if info != nil {
		if info.DeviceSessionID != "" {
			c.pushEvent(DeviceGoneEvent{SessionID: info.DeviceSessionID})
		}
		if info.SFDFirmwareID != "" {
			c.pushEvent(FirmwareUnloadedEvent{FirmwareID: info.SFDFirmwareID})
		}
	}
	c.pushEvent(DisconnectedEvent{Host: host, Port: port})
	glog.V(1).Infof("scrutiny: client %q disconnected", c.name)
}

// takeQueuedWritesLocked empties the write queue and returns the
// writes it held, resolving flush points on the way. Caller holds
// c.mu.
func (c *Client) takeQueuedWritesLocked() (writes []*WriteRequest) {
	for {
		item, ok := c.writeQueue.Pop()
		if !ok {
			return writes
		}
		switch v := item.(type) {
		case *WriteRequest:
			writes = append(writes, v)
		case *Batch:
			writes = append(writes, v.requests...)
		case *flushPoint:
			close(v.done)
		}
	}
}

// recvLoop pumps inbound messages off the channel until it fails.
func (c *Client) recvLoop(ch wire.Channel) error {
	for {
		data, err := ch.Recv()
		if err != nil {
			c.fail(connErrorf(err, "receiving from server"))
			return nil
		}
		msg, err := wire.Parse(data)
		if err != nil {
			glog.Errorf("scrutiny: dropping undecodable message: %v", err)
			continue
		}
		if err := c.dispatch(msg); err != nil {
			var cerr *ConnectionError
			if errors.As(err, &cerr) {
				c.fail(cerr)
				return nil
			}
			glog.Errorf("scrutiny: %v", err)
		}
	}
}

// dispatch routes one inbound message. Segmented listing responses
// and broadcasts have dedicated handlers; everything else carrying a
// request ID resolves a correlated call.
func (c *Client) dispatch(msg *wire.Message) error {
	switch msg.Cmd {
	case wire.CmdWatchableListResponse:
		return c.handleListingSegment(msg)
	case wire.CmdWelcome:
		return c.handleWelcome(msg)
	}
	if msg.ReqID != nil {
		return c.handleReply(msg)
	}
	switch msg.Cmd {
	case wire.CmdInformServerStatus:
		info, err := parseServerStatus(msg)
		if err != nil {
			return err
		}
		c.applyServerStatus(info)
		return nil
	case wire.CmdWatchableUpdate:
		return c.handleWatchableUpdate(msg)
	case wire.CmdInformWriteCompletion:
		return c.handleWriteCompletion(msg)
	case wire.CmdInformMemoryReadDone:
		return c.handleMemoryCompletion(msg, false)
	case wire.CmdInformMemoryWriteDone:
		return c.handleMemoryCompletion(msg, true)
	case wire.CmdInformDatalogComplete:
		return c.handleDatalogComplete(msg)
	case wire.CmdInformDatalogListChg:
		return c.handleDatalogListChanged(msg)
	}
	glog.Errorf("scrutiny: dropping unexpected broadcast %q", msg.Cmd)
	return nil
}

// schedLoop is the scheduler: it polls the server status, sweeps call
// timeouts, drains the write queue, diffs status snapshots and prunes
// expired deferred operations on a fixed tick.
func (c *Client) schedLoop(stop chan struct{}) error {
	t := time.NewTicker(c.tickEvery)
	defer t.Stop()
	var nextStatus time.Time // zero: poll on the first tick
	for {
		select {
		case <-stop:
			return nil
		case now := <-t.C:
			if now.After(nextStatus) {
				c.pollServerStatus()
				nextStatus = now.Add(c.statusEvery)
			}
			c.sweepTimeouts(now)
			c.drainWriteQueue()
			c.syncServerState()
			c.prune(now)
		}
	}
}

func (c *Client) prune(now time.Time) {
	c.mu.Lock()
	writes := c.pruneWriteBatchesLocked(now)
	memOps := c.pruneMemoryOpsLocked(now)
	listings := c.pruneListingsLocked(now)
	c.mu.Unlock()
	for _, req := range writes {
		req.complete(false, "no confirmation from the device")
	}
	for _, op := range memOps {
		op.complete(false, nil, "no confirmation from the device")
	}
	for _, req := range listings {
		req.fail()
	}
}

// pollServerStatus requests a fresh status snapshot. Failures are
// absorbed: the next tick retries and the timeout sweep cleans up.
func (c *Client) pollServerStatus() {
	_, err := c.send(wire.CmdGetServerStatus, nil, func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		info, err := parseServerStatus(msg)
		if err != nil {
			return err
		}
		c.applyServerStatus(info)
		return nil
	}, 0)
	if err != nil {
		glog.V(2).Infof("scrutiny: status poll failed: %v", err)
	}
}

// applyServerStatus installs a new status snapshot, wakes status
// waiters and emits a StatusUpdate event. The snapshot is immutable
// once installed.
func (c *Client) applyServerStatus(info *ServerInfo) {
	c.mu.Lock()
	c.info = info
	woken := c.statusCh
	c.statusCh = make(chan struct{})
	c.mu.Unlock()
	close(woken)
	c.metrics.statusUpdates.Add(1)
	c.pushEvent(StatusUpdateEvent{Info: info})
}

// LatestServerStatus returns the newest status snapshot, or nil when
// none has been received since connecting.
func (c *Client) LatestServerStatus() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// WaitServerStatusUpdate blocks until a status snapshot newer than
// the call arrives or the timeout elapses.
func (c *Client) WaitServerStatusUpdate(timeout time.Duration) error {
	c.mu.Lock()
	ch := c.statusCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return timeoutErrorf("no server status update in %v", timeout)
	}
}

// WaitDeviceReady blocks until the server reports a device connected
// and ready, or the timeout elapses.
func (c *Client) WaitDeviceReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		ready := c.info != nil && c.info.DeviceCommState == DeviceReady
		ch := c.statusCh
		c.mu.Unlock()
		if ready {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutErrorf("device not ready after %v", timeout)
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return timeoutErrorf("device not ready after %v", timeout)
		}
	}
}

// welcomePayload is the wire shape of the welcome message sent by the
// server when a client attaches.
type welcomePayload struct {
	wire.Header
	ServerTimeZero float64 `json:"server_time_zero_timestamp"` // epoch seconds
}

// handleWelcome records the server timebase. Value update timestamps
// are microseconds relative to it.
func (c *Client) handleWelcome(msg *wire.Message) error {
	var p welcomePayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed welcome: %v", err)
	}
	c.mu.Lock()
	c.timebase = time.Unix(0, int64(p.ServerTimeZero*float64(time.Second)))
	c.mu.Unlock()
	glog.V(1).Infof("scrutiny: got server welcome, timebase %v", c.timebase)
	return nil
}

// serverMicroToTime converts a server-relative microsecond timestamp
// to wall time. Before the welcome message fixes the timebase, the
// local clock stands in.
func (c *Client) serverMicroToTime(us float64) time.Time {
	c.mu.Lock()
	tb := c.timebase
	c.mu.Unlock()
	if tb.IsZero() {
		return time.Now()
	}
	return tb.Add(time.Duration(us * float64(time.Microsecond)))
}

type installedSFDResponse struct {
	wire.Header
	SFDList map[string]map[string]any `json:"sfd_list"`
}

// GetInstalledSFDs returns the firmware descriptions installed on the
// server, keyed by firmware ID.
func (c *Client) GetInstalledSFDs() (map[string]SFDInfo, error) {
	var out map[string]SFDInfo
	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var rsp installedSFDResponse
		if err := msg.Decode(&rsp); err != nil {
			return badResponsef("malformed SFD list: %v", err)
		}
		out = make(map[string]SFDInfo, len(rsp.SFDList))
		for id, meta := range rsp.SFDList {
			out[id] = SFDInfo{FirmwareID: id, Metadata: meta}
		}
		return nil
	}
	future, err := c.send(wire.CmdGetInstalledSFD, nil, callback, 0)
	if err != nil {
		return nil, err
	}
	if state := future.Wait(); state != StateOK {
		return nil, opErrorf("could not list installed SFDs: %s", future.errString())
	}
	return out, nil
}

type serverStatsResponse struct {
	wire.Header
	UptimeSec           float64 `json:"uptime"`
	InvalidRequestCount uint64  `json:"invalid_request_count"`
	UnexpectedErrors    uint64  `json:"unexpected_error_count"`
	ClientCount         uint64  `json:"client_count"`
	MsgReceived         uint64  `json:"msg_received"`
	MsgSent             uint64  `json:"msg_sent"`
	DeviceSessionCount  uint64  `json:"device_session_count"`
}

// GetServerStats returns the server's performance counters.
func (c *Client) GetServerStats() (*ServerStatistics, error) {
	var out *ServerStatistics
	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var rsp serverStatsResponse
		if err := msg.Decode(&rsp); err != nil {
			return badResponsef("malformed server stats: %v", err)
		}
		out = &ServerStatistics{
			Uptime:              time.Duration(rsp.UptimeSec * float64(time.Second)),
			InvalidRequestCount: rsp.InvalidRequestCount,
			UnexpectedErrors:    rsp.UnexpectedErrors,
			ClientCount:         rsp.ClientCount,
			MsgReceived:         rsp.MsgReceived,
			MsgSent:             rsp.MsgSent,
			DeviceSessionCount:  rsp.DeviceSessionCount,
		}
		return nil
	}
	future, err := c.send(wire.CmdGetServerStats, nil, callback, 0)
	if err != nil {
		return nil, err
	}
	if state := future.Wait(); state != StateOK {
		return nil, opErrorf("could not get server stats: %s", future.errString())
	}
	return out, nil
}
