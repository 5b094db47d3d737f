// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package wire

import (
	"github.com/gorilla/websocket"
)

// WebSocket wraps an established websocket connection in a Channel.
// Each datagram travels as one binary websocket message, so no extra
// framing is applied.
func WebSocket(conn *websocket.Conn) Channel { return wsChannel{conn} }

// DialWebSocket connects to a server exposing the API over a
// websocket endpoint, e.g. "ws://localhost:8765".
func DialWebSocket(url string) (Channel, error) {
	conn, rsp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}
	return wsChannel{conn}, nil
}

type wsChannel struct{ conn *websocket.Conn }

// Send implements a method of the [Channel] interface.
func (c wsChannel) Send(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Recv implements a method of the [Channel] interface.
func (c wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close implements a method of the [Channel] interface.
func (c wsChannel) Close() error { return c.conn.Close() }
