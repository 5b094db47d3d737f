// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"time"

	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// ServerState is the state of the connection between the client and
// the server.
type ServerState int

const (
	Disconnected ServerState = iota // no connection
	Connecting                      // TCP handshake in progress
	Connected                       // channel is open and functional
	Errored                         // the connection closed after a fault
)

func (s ServerState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Errored:
		return "Error"
	default:
		return "Unknown"
	}
}

// DeviceCommState is the state of the link between the server and the
// embedded device.
type DeviceCommState int

const (
	DeviceNA           DeviceCommState = iota // unknown
	DeviceDisconnected                        // no device connected
	DeviceConnecting                          // server-device handshake in progress
	DeviceReady                               // device connected and answering queries
)

func (s DeviceCommState) String() string {
	switch s {
	case DeviceDisconnected:
		return "Disconnected"
	case DeviceConnecting:
		return "Connecting"
	case DeviceReady:
		return "ConnectedReady"
	default:
		return "NA"
	}
}

// DataloggingState is the state of the server datalogging service.
type DataloggingState int

const (
	DataloggingNA DataloggingState = iota
	DataloggingUnavailable
	DataloggingStandby
	DataloggingWaitForTrigger
	DataloggingAcquiring
	DataloggingDownloading
	DataloggingError
)

func (s DataloggingState) String() string {
	switch s {
	case DataloggingUnavailable:
		return "Unavailable"
	case DataloggingStandby:
		return "Standby"
	case DataloggingWaitForTrigger:
		return "WaitingForTrigger"
	case DataloggingAcquiring:
		return "Acquiring"
	case DataloggingDownloading:
		return "Downloading"
	case DataloggingError:
		return "Error"
	default:
		return "NA"
	}
}

// DataloggingInfo is the state of the datalogging service together
// with the completion ratio of the acquisition in progress.
// A negative ratio means no acquisition is in progress.
type DataloggingInfo struct {
	State           DataloggingState
	CompletionRatio float64
}

// DeviceLinkInfo describes the communication channel between the
// server and the device.
type DeviceLinkInfo struct {
	Type        string
	Operational bool
}

// ServerInfo is an immutable snapshot of the server-side state,
// broadcast periodically. Empty session or firmware IDs mean no
// device session and no loaded firmware description respectively.
type ServerInfo struct {
	DeviceCommState DeviceCommState
	DeviceSessionID string
	SFDFirmwareID   string
	Datalogging     DataloggingInfo
	DeviceLink      DeviceLinkInfo
}

// statusPayload is the wire shape of inform_server_status.
type statusPayload struct {
	wire.Header
	DeviceStatus    string  `json:"device_status"`
	DeviceSessionID *string `json:"device_session_id"`
	LoadedSFD       *struct {
		FirmwareID string `json:"firmware_id"`
	} `json:"loaded_sfd"`
	Datalogging struct {
		State           string   `json:"state"`
		CompletionRatio *float64 `json:"completion_ratio"`
	} `json:"device_datalogging_status"`
	DeviceLink struct {
		Type        string `json:"link_type"`
		Operational bool   `json:"link_operational"`
	} `json:"device_comm_link"`
}

func parseServerStatus(msg *wire.Message) (*ServerInfo, error) {
	var p statusPayload
	if err := msg.Decode(&p); err != nil {
		return nil, badResponsef("malformed server status: %v", err)
	}
	info := &ServerInfo{
		DeviceCommState: parseDeviceCommState(p.DeviceStatus),
		Datalogging: DataloggingInfo{
			State:           parseDataloggingState(p.Datalogging.State),
			CompletionRatio: -1,
		},
		DeviceLink: DeviceLinkInfo{Type: p.DeviceLink.Type, Operational: p.DeviceLink.Operational},
	}
	if p.DeviceSessionID != nil {
		info.DeviceSessionID = *p.DeviceSessionID
	}
	if p.LoadedSFD != nil {
		info.SFDFirmwareID = p.LoadedSFD.FirmwareID
	}
	if p.Datalogging.CompletionRatio != nil {
		info.Datalogging.CompletionRatio = *p.Datalogging.CompletionRatio
	}
	return info, nil
}

func parseDeviceCommState(s string) DeviceCommState {
	switch s {
	case "disconnected":
		return DeviceDisconnected
	case "connecting", "connected":
		return DeviceConnecting
	case "connected_ready":
		return DeviceReady
	default:
		return DeviceNA
	}
}

func parseDataloggingState(s string) DataloggingState {
	switch s {
	case "unavailable":
		return DataloggingUnavailable
	case "standby":
		return DataloggingStandby
	case "waiting_for_trigger":
		return DataloggingWaitForTrigger
	case "acquiring":
		return DataloggingAcquiring
	case "downloading":
		return DataloggingDownloading
	case "error":
		return DataloggingError
	default:
		return DataloggingNA
	}
}

// SFDInfo describes a Scrutiny Firmware Description file installed on
// the server.
type SFDInfo struct {
	FirmwareID string
	Metadata   map[string]any
}

// ServerStatistics are performance counters reported by the server.
type ServerStatistics struct {
	Uptime              time.Duration
	InvalidRequestCount uint64
	UnexpectedErrors    uint64
	ClientCount         uint64
	MsgReceived         uint64
	MsgSent             uint64
	DeviceSessionCount  uint64
}
