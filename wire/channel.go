// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// A Channel is a reliable ordered stream of datagrams connecting the
// client to a server.
//
// The methods of an implementation must be safe for concurrent use by
// one sender and one receiver.
type Channel interface {
	// Send the datagram to the server.
	Send([]byte) error

	// Recv the next available datagram from the server.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations
	// to terminate and report an error. After a channel is closed, all
	// further operations on it must report an error.
	Close() error
}

// maxFrameLen bounds the size of a single datagram. Frames claiming a
// larger payload are treated as a protocol error.
const maxFrameLen = 1 << 24

// Direct constructs a connected pair of in-memory channels that pass
// datagrams directly without framing. Data sent to A is received by B
// and vice versa. Closing either end terminates pending operations on
// both ends of the pair.
func Direct() (A, B Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	done := make(chan struct{})
	once := new(sync.Once)
	A = direct{out: a2b, in: b2a, done: done, once: once}
	B = direct{out: b2a, in: a2b, done: done, once: once}
	return
}

type direct struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	once *sync.Once
}

// Send implements a method of the [Channel] interface.
func (d direct) Send(data []byte) error {
	select {
	case d.out <- data:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [Channel] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case data := <-d.in:
		return data, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [Channel] interface. A Recv
// blocked on the same end reports an error without waiting for the
// peer to close its side.
func (d direct) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// IO constructs a channel that frames datagrams over r and wc with a
// 4-byte big-endian length prefix.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// TCP wraps a network connection in a framed channel.
func TCP(conn net.Conn) IOChannel { return IO(conn, conn) }

// An IOChannel sends and receives length-prefixed datagrams on a
// reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [Channel] interface.
func (c IOChannel) Send(data []byte) error {
	if len(data) > maxFrameLen {
		return fmt.Errorf("frame too large (%d bytes)", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Channel] interface.
func (c IOChannel) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameLen {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	data := make([]byte, int(size))
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, fmt.Errorf("short frame payload: %w", err)
	}
	return data, nil
}

// Close implements a method of the [Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
