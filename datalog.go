// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// TriggerCondition selects when a datalogging acquisition fires.
type TriggerCondition string

const (
	TriggerAlwaysTrue     TriggerCondition = "true"
	TriggerEqual          TriggerCondition = "eq"
	TriggerNotEqual       TriggerCondition = "neq"
	TriggerLessThan       TriggerCondition = "lt"
	TriggerGreaterThan    TriggerCondition = "gt"
	TriggerChangeMoreThan TriggerCondition = "cmt"
)

// XAxisType selects the X axis of an acquisition.
type XAxisType string

const (
	XAxisIdeal    XAxisType = "ideal_time"
	XAxisMeasured XAxisType = "measured_time"
	XAxisIndex    XAxisType = "index"
	XAxisSignal   XAxisType = "signal"
)

// SignalDefinition names one logged signal.
type SignalDefinition struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// DataloggingConfig describes a datalogging acquisition to perform.
type DataloggingConfig struct {
	SamplingRateID  int                `json:"sampling_rate_id"`
	Decimation      uint               `json:"decimation"`
	Name            string             `json:"name,omitempty"`
	TimeoutSec      float64            `json:"timeout"`
	TriggerHoldSec  float64            `json:"trigger_hold_time"`
	TriggerPosition float64            `json:"trigger_position"`
	Condition       TriggerCondition   `json:"condition"`
	Operands        []string           `json:"operands,omitempty"`
	XAxis           XAxisType          `json:"x_axis_type"`
	XAxisSignal     string             `json:"x_axis_signal,omitempty"`
	Signals         []SignalDefinition `json:"signals"`
}

func (cfg *DataloggingConfig) validate() error {
	if len(cfg.Signals) == 0 {
		return invalidValuef("acquisition must log at least one signal")
	}
	if cfg.Decimation == 0 {
		return invalidValuef("decimation must be at least 1")
	}
	if cfg.TriggerPosition < 0 || cfg.TriggerPosition > 1 {
		return invalidValuef("trigger position must be within [0, 1]")
	}
	if cfg.XAxis == XAxisSignal && cfg.XAxisSignal == "" {
		return invalidValuef("x-axis of type signal requires a signal path")
	}
	return nil
}

type datalogAcquirePayload struct {
	wire.Header
	Config *DataloggingConfig `json:"config"`
}

type datalogCompletePayload struct {
	wire.Header
	RequestToken string `json:"request_token"`
	Success      bool   `json:"success"`
	ReferenceID  string `json:"reference_id"`
	Detail       string `json:"detail"`
}

// An AcquisitionRequest tracks a datalogging acquisition from the
// moment the server accepts it until the device completes or aborts
// it. The completion arrives as a token-keyed broadcast, typically
// long after the acknowledgement.
type AcquisitionRequest struct {
	created time.Time

	done        chan struct{}
	success     bool
	referenceID string
	detail      string
}

func (r *AcquisitionRequest) complete(success bool, refID, detail string) {
	select {
	case <-r.done:
		return
	default:
	}
	r.success = success
	r.referenceID = refID
	r.detail = detail
	close(r.done)
}

// Completed reports whether the acquisition reached a terminal state.
func (r *AcquisitionRequest) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the acquisition completes or d elapses, then
// returns the reference ID under which the server stored it.
func (r *AcquisitionRequest) Wait(d time.Duration) (string, error) {
	select {
	case <-r.done:
	case <-time.After(d):
		return "", timeoutErrorf("acquisition did not complete in %v", d)
	}
	if !r.success {
		detail := r.detail
		if detail == "" {
			detail = "no detail"
		}
		return "", opErrorf("acquisition failed: %s", detail)
	}
	return r.referenceID, nil
}

// StartDataloggingAcquisition asks the server to arm a datalogging
// acquisition. It blocks until the server accepts or rejects the
// configuration; the device-side completion is tracked by the
// returned request.
func (c *Client) StartDataloggingAcquisition(cfg *DataloggingConfig) (*AcquisitionRequest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	req := &AcquisitionRequest{created: time.Now(), done: make(chan struct{})}
	callback := func(state CallState, msg *wire.Message) error {
		if state != StateOK || msg == nil {
			return nil
		}
		var ack memoryAckPayload
		if err := msg.Decode(&ack); err != nil {
			return badResponsef("malformed acquisition acknowledgement: %v", err)
		}
		if ack.RequestToken == "" {
			return badResponsef("acquisition acknowledgement carries no request token")
		}
		c.mu.Lock()
		c.pendingAcqs[ack.RequestToken] = req
		c.mu.Unlock()
		return nil
	}
	future, err := c.send(wire.CmdRequestDatalogAcquire, &datalogAcquirePayload{Config: cfg}, callback, 0)
	if err != nil {
		return nil, err
	}
	if state := future.Wait(); state != StateOK {
		return nil, opErrorf("acquisition request failed: %s", future.errString())
	}
	return req, nil
}

// handleDatalogComplete resolves an armed acquisition from its
// completion broadcast.
func (c *Client) handleDatalogComplete(msg *wire.Message) error {
	var p datalogCompletePayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed acquisition completion: %v", err)
	}
	c.mu.Lock()
	req, ok := c.pendingAcqs[p.RequestToken]
	delete(c.pendingAcqs, p.RequestToken)
	c.mu.Unlock()
	if !ok {
		glog.Errorf("scrutiny: acquisition completion for unknown token %s", p.RequestToken)
		return nil
	}
	req.complete(p.Success, p.ReferenceID, p.Detail)
	return nil
}

type datalogListChangedPayload struct {
	wire.Header
	Action      string `json:"action"`
	ReferenceID string `json:"reference_id"`
}

// handleDatalogListChanged turns an inform_datalogging_list_changed
// broadcast into an event.
func (c *Client) handleDatalogListChanged(msg *wire.Message) error {
	var p datalogListChangedPayload
	if err := msg.Decode(&p); err != nil {
		return badResponsef("malformed acquisition list change: %v", err)
	}
	change := AcquisitionUpdated
	switch p.Action {
	case "new":
		change = AcquisitionNew
	case "delete":
		change = AcquisitionDeleted
	case "update":
		change = AcquisitionUpdated
	case "clear_all":
		change = AcquisitionsCleared
	default:
		return badResponsef("unknown acquisition list action %q", p.Action)
	}
	c.pushEvent(AcquisitionListChangedEvent{Change: change, ReferenceID: p.ReferenceID})
	return nil
}
