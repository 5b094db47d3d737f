// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

// Package servertest provides a scripted in-memory Scrutiny server
// for client tests. The server answers the wire protocol with
// configurable state and failure injection, and records every request
// it receives for later assertions.
package servertest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// Status is the server-side state reported by status snapshots.
// Empty SessionID and FirmwareID render as null on the wire.
type Status struct {
	DeviceState      string // "disconnected", "connecting", "connected_ready"
	SessionID        string
	FirmwareID       string
	DataloggingState string
	CompletionRatio  *float64
	LinkType         string
	LinkOperational  bool
}

// DefaultStatus is the state a new server starts with: a ready device
// with a loaded firmware description.
func DefaultStatus() Status {
	return Status{
		DeviceState:      "connected_ready",
		SessionID:        "session-1",
		FirmwareID:       "firmware-1",
		DataloggingState: "standby",
		LinkType:         "serial",
		LinkOperational:  true,
	}
}

// A Watchable is one element the server offers for subscription.
type Watchable struct {
	Path     string
	ID       string
	Type     string // "var", "alias", "rpv"
	DataType string
}

// A WriteUpdate is one entry of a recorded write_watchable request.
type WriteUpdate struct {
	BatchIndex  int    `json:"batch_index"`
	WatchableID string `json:"watchable"`
	Value       any    `json:"value"`
}

// A RecordedWrite is an acknowledged write_watchable request.
type RecordedWrite struct {
	Token   string
	Updates []WriteUpdate
}

// A Server is a scripted protocol endpoint. Its zero value is not
// usable; construct with NewLocal.
type Server struct {
	ch    wire.Channel
	tasks *taskgroup.Group

	mu            sync.Mutex
	status        Status
	requests      []*wire.Message
	silenced      map[string]bool
	failNext      map[string]int
	watchables    map[string]Watchable // by path
	subscribed    map[string]bool      // by path
	writes        []RecordedWrite
	manualWrites  bool
	writeSuccess  bool
	memory        map[uint64][]byte
	sfds          map[string]map[string]any
	acqTokens     []string
	segmentSize   int
	sendWelcome   bool
}

// NewLocal starts a server on one end of an in-memory channel and
// returns it together with the client end. Close the server to shut
// both down.
func NewLocal() (*Server, wire.Channel) {
	client, server := wire.Direct()
	s := &Server{
		ch:           server,
		status:       DefaultStatus(),
		silenced:     make(map[string]bool),
		failNext:     make(map[string]int),
		watchables:   make(map[string]Watchable),
		subscribed:   make(map[string]bool),
		writeSuccess: true,
		memory:       make(map[uint64][]byte),
		sfds:         make(map[string]map[string]any),
		segmentSize:  100,
		sendWelcome:  true,
	}
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(s.run)
	return s, client
}

// Close stops the server and closes both channel ends.
func (s *Server) Close() {
	s.ch.Close()
	s.tasks.Wait()
}

func (s *Server) run() error {
	s.mu.Lock()
	welcome := s.sendWelcome
	s.mu.Unlock()
	if welcome {
		s.push(map[string]any{
			"cmd":                        "welcome",
			"server_time_zero_timestamp": float64(time.Now().UnixNano()) / 1e9,
		})
	}
	for {
		data, err := s.ch.Recv()
		if err != nil {
			return nil
		}
		msg, err := wire.Parse(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, msg)
		quiet := s.silenced[msg.Cmd]
		inject := s.failNext[msg.Cmd] > 0
		if inject {
			s.failNext[msg.Cmd]--
		}
		s.mu.Unlock()
		if quiet {
			continue
		}
		if inject {
			s.push(map[string]any{
				"cmd":         "error",
				"reqid":       deref(msg.ReqID),
				"request_cmd": msg.Cmd,
				"msg":         "induced failure",
			})
			continue
		}
		s.handle(msg)
	}
}

func deref(p *uint32) any {
	if p == nil {
		return nil
	}
	return *p
}

// push encodes and sends one message, ignoring channel errors: a test
// that closed the client end does not care about late messages.
func (s *Server) push(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("servertest: encoding reply: %v", err))
	}
	s.ch.Send(data)
}

func (s *Server) handle(msg *wire.Message) {
	switch msg.Cmd {
	case wire.CmdGetServerStatus:
		s.pushStatus(msg.ReqID)
	case wire.CmdSubscribeWatchable:
		s.handleSubscribe(msg)
	case wire.CmdUnsubscribeWatchable:
		s.handleUnsubscribe(msg)
	case wire.CmdWriteWatchable:
		s.handleWrite(msg)
	case wire.CmdGetWatchableList:
		s.handleListing(msg)
	case wire.CmdReadMemory:
		s.handleReadMemory(msg)
	case wire.CmdWriteMemory:
		s.handleWriteMemory(msg)
	case wire.CmdGetInstalledSFD:
		s.handleInstalledSFD(msg)
	case wire.CmdGetServerStats:
		s.handleStats(msg)
	case wire.CmdRequestDatalogAcquire:
		s.handleDatalogAcquire(msg)
	}
}

// statusBody renders the current status in wire shape.
func (s *Server) statusBody() map[string]any {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	var session any
	if st.SessionID != "" {
		session = st.SessionID
	}
	var sfd any
	if st.FirmwareID != "" {
		sfd = map[string]any{"firmware_id": st.FirmwareID}
	}
	var ratio any
	if st.CompletionRatio != nil {
		ratio = *st.CompletionRatio
	}
	return map[string]any{
		"cmd":               "inform_server_status",
		"device_status":     st.DeviceState,
		"device_session_id": session,
		"loaded_sfd":        sfd,
		"device_datalogging_status": map[string]any{
			"state":            st.DataloggingState,
			"completion_ratio": ratio,
		},
		"device_comm_link": map[string]any{
			"link_type":        st.LinkType,
			"link_operational": st.LinkOperational,
		},
	}
}

func (s *Server) pushStatus(reqID *uint32) {
	body := s.statusBody()
	if reqID != nil {
		body["reqid"] = *reqID
	}
	s.push(body)
}

func (s *Server) handleSubscribe(msg *wire.Message) {
	var req struct {
		Watchables []string `json:"watchables"`
	}
	msg.Decode(&req)

	subscribed := make(map[string]any, len(req.Watchables))
	s.mu.Lock()
	for _, path := range req.Watchables {
		w, ok := s.watchables[path]
		if !ok {
			w = Watchable{Path: path, ID: uuid.NewString(), Type: "var", DataType: "float64"}
			s.watchables[path] = w
		}
		s.subscribed[path] = true
		subscribed[path] = map[string]any{"id": w.ID, "type": w.Type, "datatype": w.DataType}
	}
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":        wire.CmdSubscribeResponse,
		"reqid":      deref(msg.ReqID),
		"subscribed": subscribed,
	})
}

func (s *Server) handleUnsubscribe(msg *wire.Message) {
	var req struct {
		Watchables []string `json:"watchables"`
	}
	msg.Decode(&req)
	s.mu.Lock()
	for _, path := range req.Watchables {
		delete(s.subscribed, path)
	}
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":          wire.CmdUnsubscribeResponse,
		"reqid":        deref(msg.ReqID),
		"unsubscribed": req.Watchables,
	})
}

func (s *Server) handleWrite(msg *wire.Message) {
	var req struct {
		Updates []WriteUpdate `json:"updates"`
	}
	msg.Decode(&req)

	token := uuid.NewString()
	s.mu.Lock()
	s.writes = append(s.writes, RecordedWrite{Token: token, Updates: req.Updates})
	manual, success := s.manualWrites, s.writeSuccess
	s.mu.Unlock()

	s.push(map[string]any{
		"cmd":           wire.CmdWriteResponse,
		"reqid":         deref(msg.ReqID),
		"request_token": token,
		"count":         len(req.Updates),
	})
	if manual {
		return
	}
	for _, u := range req.Updates {
		s.CompleteWrite(token, u.BatchIndex, success)
	}
}

// CompleteWrite sends the device-side confirmation for one entry of
// an acknowledged write.
func (s *Server) CompleteWrite(token string, batchIndex int, success bool) {
	s.push(map[string]any{
		"cmd":           wire.CmdInformWriteCompletion,
		"request_token": token,
		"batch_index":   batchIndex,
		"success":       success,
		"timestamp":     float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleListing(msg *wire.Message) {
	s.mu.Lock()
	all := make([]Watchable, 0, len(s.watchables))
	for _, w := range s.watchables {
		all = append(all, w)
	}
	segSize := s.segmentSize
	s.mu.Unlock()

	for start := 0; ; start += segSize {
		end := min(start+segSize, len(all))
		content := make(map[string][]map[string]any)
		for _, w := range all[start:end] {
			content[w.Type] = append(content[w.Type], map[string]any{
				"display_path": w.Path,
				"id":           w.ID,
				"datatype":     w.DataType,
			})
		}
		done := end == len(all)
		s.push(map[string]any{
			"cmd":     wire.CmdWatchableListResponse,
			"reqid":   deref(msg.ReqID),
			"done":    done,
			"content": content,
		})
		if done {
			return
		}
	}
}

func (s *Server) handleReadMemory(msg *wire.Message) {
	var req struct {
		Address uint64 `json:"address"`
		Size    uint32 `json:"size"`
	}
	msg.Decode(&req)

	token := uuid.NewString()
	s.push(map[string]any{
		"cmd":           wire.CmdReadMemoryResponse,
		"reqid":         deref(msg.ReqID),
		"request_token": token,
	})
	s.mu.Lock()
	data, ok := s.memory[req.Address]
	s.mu.Unlock()
	if !ok {
		s.push(map[string]any{
			"cmd":           wire.CmdInformMemoryReadDone,
			"request_token": token,
			"success":       false,
			"detail":        "unmapped address",
		})
		return
	}
	s.push(map[string]any{
		"cmd":           wire.CmdInformMemoryReadDone,
		"request_token": token,
		"success":       true,
		"data":          base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleWriteMemory(msg *wire.Message) {
	var req struct {
		Address uint64 `json:"address"`
		Data    string `json:"data"`
	}
	msg.Decode(&req)

	token := uuid.NewString()
	s.push(map[string]any{
		"cmd":           wire.CmdWriteMemoryResponse,
		"reqid":         deref(msg.ReqID),
		"request_token": token,
	})
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.push(map[string]any{
			"cmd":           wire.CmdInformMemoryWriteDone,
			"request_token": token,
			"success":       false,
			"detail":        "bad data encoding",
		})
		return
	}
	s.mu.Lock()
	s.memory[req.Address] = data
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":           wire.CmdInformMemoryWriteDone,
		"request_token": token,
		"success":       true,
	})
}

func (s *Server) handleInstalledSFD(msg *wire.Message) {
	s.mu.Lock()
	list := make(map[string]any, len(s.sfds))
	for id, meta := range s.sfds {
		list[id] = meta
	}
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":      wire.CmdInstalledSFDResponse,
		"reqid":    deref(msg.ReqID),
		"sfd_list": list,
	})
}

func (s *Server) handleStats(msg *wire.Message) {
	s.mu.Lock()
	n := len(s.requests)
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":                    wire.CmdServerStatsResponse,
		"reqid":                  deref(msg.ReqID),
		"uptime":                 12.5,
		"invalid_request_count":  0,
		"unexpected_error_count": 0,
		"client_count":           1,
		"msg_received":           n,
		"msg_sent":               n,
		"device_session_count":   1,
	})
}

func (s *Server) handleDatalogAcquire(msg *wire.Message) {
	token := uuid.NewString()
	s.mu.Lock()
	s.acqTokens = append(s.acqTokens, token)
	s.mu.Unlock()
	s.push(map[string]any{
		"cmd":           wire.CmdDatalogAcquireResponse,
		"reqid":         deref(msg.ReqID),
		"request_token": token,
	})
}

// CompleteAcquisition sends the completion broadcast for an armed
// acquisition.
func (s *Server) CompleteAcquisition(token string, success bool, referenceID string) {
	s.push(map[string]any{
		"cmd":           wire.CmdInformDatalogComplete,
		"request_token": token,
		"success":       success,
		"reference_id":  referenceID,
		"detail":        "",
	})
}

// AcquisitionTokens reports the tokens of acquisitions armed so far.
func (s *Server) AcquisitionTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acqTokens...)
}

// BroadcastListChanged announces a change of the stored acquisitions.
func (s *Server) BroadcastListChanged(action, referenceID string) {
	s.push(map[string]any{
		"cmd":          wire.CmdInformDatalogListChg,
		"action":       action,
		"reference_id": referenceID,
	})
}

// SendUpdate broadcasts a value update for the element with the given
// server ID. The timestamp is microseconds on the server timebase.
func (s *Server) SendUpdate(serverID string, value any, timeUS float64) {
	s.push(map[string]any{
		"cmd": wire.CmdWatchableUpdate,
		"updates": []map[string]any{
			{"id": serverID, "v": value, "t": timeUS},
		},
	})
}

// SetStatus replaces the server state reported by status snapshots.
func (s *Server) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// BroadcastStatus pushes an unsolicited status snapshot.
func (s *Server) BroadcastStatus() { s.pushStatus(nil) }

// AddWatchable registers an element with a fixed server ID so tests
// can reference it in updates and listings.
func (s *Server) AddWatchable(w Watchable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchables[w.Path] = w
}

// SetMemory maps data at the given device address for ReadMemory.
func (s *Server) SetMemory(address uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[address] = append([]byte(nil), data...)
}

// Memory reports the data last written at the given address.
func (s *Server) Memory(address uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.memory[address]...)
}

// SetInstalledSFDs configures the response to get_installed_sfd.
func (s *Server) SetInstalledSFDs(sfds map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sfds = sfds
}

// Silence makes the server swallow requests with the given command
// tag without answering.
func (s *Server) Silence(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenced[cmd] = true
}

// FailNext makes the server answer the next n requests with the given
// command tag with an error response.
func (s *Server) FailNext(cmd string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] += n
}

// SetManualWriteCompletions stops the automatic per-entry write
// confirmations; tests drive them with CompleteWrite.
func (s *Server) SetManualWriteCompletions(manual bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualWrites = manual
}

// SetWriteSuccess controls whether automatic write confirmations
// report success.
func (s *Server) SetWriteSuccess(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeSuccess = ok
}

// SetListingSegmentSize bounds entries per listing segment.
func (s *Server) SetListingSegmentSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentSize = n
}

// Writes reports every write_watchable request acknowledged so far.
func (s *Server) Writes() []RecordedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedWrite(nil), s.writes...)
}

// RequestCount reports how many requests with the given command tag
// the server received.
func (s *Server) RequestCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, m := range s.requests {
		if m.Cmd == cmd {
			n++
		}
	}
	return n
}

// Requests reports the requests received so far with the given
// command tag.
func (s *Server) Requests(cmd string) []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Message
	for _, m := range s.requests {
		if m.Cmd == cmd {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed reports whether the server considers path subscribed.
func (s *Server) Subscribed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[path]
}
