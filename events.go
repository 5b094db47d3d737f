// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// EventFlag identifies a class of client events. Flags combine with
// bitwise OR to form the subscription mask passed to ListenEvents.
type EventFlag uint32

const (
	EventConnected EventFlag = 1 << iota
	EventDisconnected
	EventDeviceReady
	EventDeviceGone
	EventFirmwareLoaded
	EventFirmwareUnloaded
	EventDataloggingStateChanged
	EventStatusUpdate
	EventAcquisitionListChanged

	EventNone EventFlag = 0
	EventAll  EventFlag = 0xFFFFFFFF
)

// An Event is a discrete notification synthesized by the client from
// server state. The concrete types below form a closed set.
type Event interface {
	// Flag reports the subscription bit of the event class.
	Flag() EventFlag
	// String describes the event for logging.
	String() string
}

// ConnectedEvent reports that the client connected to a server.
type ConnectedEvent struct {
	Host string
	Port int
}

func (ConnectedEvent) Flag() EventFlag { return EventConnected }
func (e ConnectedEvent) String() string {
	return fmt.Sprintf("connected to server at %s:%d", e.Host, e.Port)
}

// DisconnectedEvent reports that the client disconnected from the
// server, cleanly or not.
type DisconnectedEvent struct {
	Host string
	Port int
}

func (DisconnectedEvent) Flag() EventFlag { return EventDisconnected }
func (e DisconnectedEvent) String() string {
	return fmt.Sprintf("disconnected from server at %s:%d", e.Host, e.Port)
}

// DeviceReadyEvent reports that the server completed its handshake
// with a device. The session ID changes every time the same device
// reconnects.
type DeviceReadyEvent struct{ SessionID string }

func (DeviceReadyEvent) Flag() EventFlag { return EventDeviceReady }
func (e DeviceReadyEvent) String() string {
	return fmt.Sprintf("device ready, session %s", e.SessionID)
}

// DeviceGoneEvent reports that communication between the server and
// the device stopped.
type DeviceGoneEvent struct{ SessionID string }

func (DeviceGoneEvent) Flag() EventFlag { return EventDeviceGone }
func (e DeviceGoneEvent) String() string {
	return fmt.Sprintf("device gone, last session %s", e.SessionID)
}

// FirmwareLoadedEvent reports that the server loaded a firmware
// description, making aliases and variables available.
type FirmwareLoadedEvent struct{ FirmwareID string }

func (FirmwareLoadedEvent) Flag() EventFlag { return EventFirmwareLoaded }
func (e FirmwareLoadedEvent) String() string {
	return fmt.Sprintf("firmware description loaded, firmware %s", e.FirmwareID)
}

// FirmwareUnloadedEvent reports that the server unloaded its firmware
// description.
type FirmwareUnloadedEvent struct{ FirmwareID string }

func (FirmwareUnloadedEvent) Flag() EventFlag { return EventFirmwareUnloaded }
func (e FirmwareUnloadedEvent) String() string {
	return fmt.Sprintf("firmware description unloaded, firmware %s", e.FirmwareID)
}

// DataloggingStateChangedEvent reports a change of the datalogging
// service state or of the acquisition completion ratio.
type DataloggingStateChangedEvent struct{ Info DataloggingInfo }

func (DataloggingStateChangedEvent) Flag() EventFlag { return EventDataloggingStateChanged }
func (e DataloggingStateChangedEvent) String() string {
	if e.Info.CompletionRatio >= 0 {
		return fmt.Sprintf("datalogging state changed: %v (%d%%)", e.Info.State, int(e.Info.CompletionRatio*100))
	}
	return fmt.Sprintf("datalogging state changed: %v", e.Info.State)
}

// StatusUpdateEvent carries every new server status snapshot.
type StatusUpdateEvent struct{ Info *ServerInfo }

func (StatusUpdateEvent) Flag() EventFlag { return EventStatusUpdate }
func (StatusUpdateEvent) String() string  { return "server status update" }

// AcquisitionListChange is the kind of change performed on the server
// datalogging storage.
type AcquisitionListChange int

const (
	AcquisitionDeleted AcquisitionListChange = iota
	AcquisitionNew
	AcquisitionUpdated
	AcquisitionsCleared
)

// AcquisitionListChangedEvent reports that the list of datalogging
// acquisitions changed on the server. ReferenceID is empty when the
// whole storage was cleared.
type AcquisitionListChangedEvent struct {
	Change      AcquisitionListChange
	ReferenceID string
}

func (AcquisitionListChangedEvent) Flag() EventFlag { return EventAcquisitionListChanged }
func (AcquisitionListChangedEvent) String() string  { return "acquisition list changed" }

// eventQueueSize bounds the delivery queue. Not expected to hold more
// than a few entries under normal consumption.
const eventQueueSize = 100

// ListenEvents selects which event classes are delivered through
// ReadEvent. Disabled classes are never queued.
func (c *Client) ListenEvents(mask EventFlag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabledEvents = mask
}

// ReadEvent removes and returns the next event from the delivery
// queue, blocking up to the given duration. A zero duration polls, a
// negative duration blocks until an event arrives. It returns nil if
// no event was available in time.
func (c *Client) ReadEvent(timeout time.Duration) Event {
	if timeout < 0 {
		return <-c.events
	}
	if timeout == 0 {
		select {
		case evt := <-c.events:
			return evt
		default:
			return nil
		}
	}
	select {
	case evt := <-c.events:
		return evt
	case <-time.After(timeout):
		return nil
	}
}

// ClearEventQueue discards all queued events.
func (c *Client) ClearEventQueue() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

// pushEvent queues evt for delivery if its class is enabled. On
// overflow the newest event is dropped and counted.
func (c *Client) pushEvent(evt Event) {
	c.mu.Lock()
	enabled := c.enabledEvents&evt.Flag() != 0
	c.mu.Unlock()
	if !enabled {
		return
	}
	glog.V(1).Infof("scrutiny: event: %v", evt)
	select {
	case c.events <- evt:
		c.metrics.eventsQueued.Add(1)
	default:
		c.metrics.eventsDropped.Add(1)
		glog.Errorf("scrutiny: event queue is full, dropping %v", evt)
	}
}

// syncServerState diffs the newest status snapshot against the
// previous one and synthesizes device, firmware and datalogging
// transition events. Runs on the scheduler goroutine.
func (c *Client) syncServerState() {
	c.mu.Lock()
	info, last := c.info, c.lastInfo
	c.lastInfo = info
	if info == nil {
		// No new snapshot to diff against: nothing to do here. The
		// disconnect path synthesizes the final Gone/Unloaded events.
		c.mu.Unlock()
		return
	}

	var events []Event
	if last != nil && last.DeviceSessionID != "" {
		if last.DeviceSessionID != info.DeviceSessionID {
			c.invalidateHandlesLocked(StatusDeviceGone, nil)
			events = append(events, DeviceGoneEvent{SessionID: last.DeviceSessionID})
			if info.DeviceSessionID != "" {
				events = append(events, DeviceReadyEvent{SessionID: info.DeviceSessionID})
			}
		}
	} else if info.DeviceSessionID != "" {
		events = append(events, DeviceReadyEvent{SessionID: info.DeviceSessionID})
	}

	if last != nil && last.SFDFirmwareID != "" {
		if last.SFDFirmwareID != info.SFDFirmwareID {
			// RPVs survive a firmware unload; variables and aliases do not.
			c.invalidateHandlesLocked(StatusFirmwareUnloaded, []WatchableType{Variable, Alias})
			events = append(events, FirmwareUnloadedEvent{FirmwareID: last.SFDFirmwareID})
			if info.SFDFirmwareID != "" {
				events = append(events, FirmwareLoadedEvent{FirmwareID: info.SFDFirmwareID})
			}
		}
	} else if info.SFDFirmwareID != "" {
		events = append(events, FirmwareLoadedEvent{FirmwareID: info.SFDFirmwareID})
	}

	if last != nil {
		if last.Datalogging.State != info.Datalogging.State {
			events = append(events, DataloggingStateChangedEvent{Info: info.Datalogging})
		} else if last.Datalogging.CompletionRatio != info.Datalogging.CompletionRatio {
			events = append(events, DataloggingStateChangedEvent{Info: info.Datalogging})
		}
	}
	c.mu.Unlock()

	for _, evt := range events {
		c.pushEvent(evt)
	}
}
