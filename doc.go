// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

// Package scrutiny implements a client for the Scrutiny debug server.
//
// A Client maintains one multiplexed connection to the server and
// exposes the instrumented device behind it. Elements of the device
// are watched by display path, yielding handles whose values the
// server streams as they change:
//
//	c := scrutiny.NewClient(scrutiny.Options{})
//	if err := c.Connect("localhost", 8765); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Disconnect()
//
//	h, err := c.Watch("/var/main/counter")
//	...
//	v, err := h.Value()
//
// Value writes are confirmed end to end by the device. Related writes
// can be grouped with BatchWrite so they travel in one message and
// apply in order:
//
//	err := c.BatchWrite(0, func() error {
//		gain.Write(2.5)
//		enable.Write(true)
//		return nil
//	})
//
// The client also reads and writes raw device memory, requests
// datalogging acquisitions, and synthesizes lifecycle events
// (device ready, device gone, firmware loaded and so on) that can be
// consumed through ListenEvents and ReadEvent.
package scrutiny
