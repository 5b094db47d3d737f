// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

// Package wire implements the message layer spoken between a Scrutiny
// client and server: JSON datagrams carried over a length-delimited
// framing on a reliable duplex stream.
//
// Every message is a JSON object. Requests originated by the client
// carry a "cmd" tag and a "reqid" correlation number; responses echo
// the "reqid" of the request they answer, and unsolicited broadcasts
// omit it.
package wire

import (
	"encoding/json"
	"fmt"
)

// A Header holds the envelope fields common to every client-to-server
// message. Payload types embed it so that the command tag and request
// ID serialize at the top level of the JSON object.
type Header struct {
	Cmd   string  `json:"cmd"`
	ReqID *uint32 `json:"reqid,omitempty"`
}

// SetEnvelope fills in the envelope fields of the message.
func (h *Header) SetEnvelope(cmd string, reqID *uint32) {
	h.Cmd = cmd
	h.ReqID = reqID
}

// An Enveloper is a message payload that can receive envelope fields.
// Any struct embedding a Header satisfies it.
type Enveloper interface {
	SetEnvelope(cmd string, reqID *uint32)
}

// Marshal encodes payload as a JSON datagram carrying the given
// command tag and optional request ID. A nil payload produces a
// message with only the envelope fields.
func Marshal(cmd string, reqID *uint32, payload Enveloper) ([]byte, error) {
	if payload == nil {
		payload = &Header{}
	}
	payload.SetEnvelope(cmd, reqID)
	return json.Marshal(payload)
}

// Message is the parsed envelope of an inbound server message. The
// raw bytes are retained so that a command-specific handler can decode
// the full payload once the tag is known.
type Message struct {
	Cmd   string
	ReqID *uint32
	Raw   json.RawMessage
}

// Parse decodes the envelope fields of a JSON datagram. The payload
// is not validated beyond being a JSON object with a "cmd" tag.
func Parse(data []byte) (*Message, error) {
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if hdr.Cmd == "" {
		return nil, fmt.Errorf("message has no command tag")
	}
	return &Message{Cmd: hdr.Cmd, ReqID: hdr.ReqID, Raw: data}, nil
}

// Decode unmarshals the full message payload into v.
func (m *Message) Decode(v any) error { return json.Unmarshal(m.Raw, v) }

// String returns a human-friendly rendering of the message envelope.
func (m *Message) String() string {
	if m.ReqID != nil {
		return fmt.Sprintf("Message(%s, reqid=%d, %d bytes)", m.Cmd, *m.ReqID, len(m.Raw))
	}
	return fmt.Sprintf("Message(%s, %d bytes)", m.Cmd, len(m.Raw))
}
