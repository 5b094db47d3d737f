// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package wire_test

import (
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

func TestMarshalEnvelope(t *testing.T) {
	reqID := uint32(7)
	data, err := wire.Marshal(wire.CmdGetServerStatus, &reqID, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"cmd":"get_server_status","reqid":7}`
	if got := string(data); got != want {
		t.Errorf("Marshal: got %s, want %s", got, want)
	}

	// Broadcast-style messages omit the request ID entirely.
	data, err = wire.Marshal(wire.CmdGetServerStatus, nil, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want = `{"cmd":"get_server_status"}`
	if got := string(data); got != want {
		t.Errorf("Marshal: got %s, want %s", got, want)
	}
}

type testPayload struct {
	wire.Header
	Watchables []string `json:"watchables"`
}

func TestMarshalParseRoundTrip(t *testing.T) {
	reqID := uint32(41)
	data, err := wire.Marshal(wire.CmdSubscribeWatchable, &reqID, &testPayload{
		Watchables: []string{"/var/a", "/var/b"},
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	msg, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Cmd != wire.CmdSubscribeWatchable {
		t.Errorf("Cmd: got %q, want %q", msg.Cmd, wire.CmdSubscribeWatchable)
	}
	if msg.ReqID == nil || *msg.ReqID != 41 {
		t.Errorf("ReqID: got %v, want 41", msg.ReqID)
	}
	var back testPayload
	if err := msg.Decode(&back); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/var/a", "/var/b"}, back.Watchables); diff != "" {
		t.Errorf("payload (-want, +got):\n%s", diff)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not JSON", "hello there"},
		{"no command tag", `{"reqid":5}`},
		{"wrong type", `{"cmd":12}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if msg, err := wire.Parse([]byte(tc.input)); err == nil {
				t.Errorf("Parse(%q): got %v, want error", tc.input, msg)
			}
		})
	}
}

func TestDirect(t *testing.T) {
	a, b := wire.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if err := a.Send([]byte("hello")); err != nil {
			t.Errorf("A Send: %v", err)
		}
		return nil
	})
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("B Recv: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("B Recv: got %q, want hello", got)
	}
	g.Wait()

	a.Close()
	if _, err := b.Recv(); err == nil {
		t.Error("B Recv after close: got nil, want error")
	}
	if err := a.Send([]byte("x")); err == nil {
		t.Error("A Send after close: got nil, want error")
	}
}

func TestCloseUnblocksOwnRecv(t *testing.T) {
	a, _ := wire.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if _, err := a.Recv(); err == nil {
			t.Error("Recv after close: got nil, want error")
		}
		return nil
	})
	// The peer never closes its end; a.Close alone must unblock the
	// receiver.
	a.Close()
	g.Wait()
}

func TestIOFraming(t *testing.T) {
	client, server := net.Pipe()
	ca := wire.TCP(client)
	cb := wire.TCP(server)

	const numMessages = 3
	g := taskgroup.New(nil)
	g.Go(func() error {
		for i := range numMessages {
			msg := []byte{byte('a' + i), byte('0' + i)}
			if err := ca.Send(msg); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}
		return nil
	})
	for i := range numMessages {
		got, err := cb.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		want := string([]byte{byte('a' + i), byte('0' + i)})
		if string(got) != want {
			t.Errorf("Recv %d: got %q, want %q", i, got, want)
		}
	}
	g.Wait()

	ca.Close()
	cb.Close()
	if _, err := cb.Recv(); err == nil {
		t.Error("Recv after close: got nil, want error")
	}
}
