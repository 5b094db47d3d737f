// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	scrutiny "github.com/scrutinydebugger/scrutiny-go"
	"github.com/scrutinydebugger/scrutiny-go/servertest"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// testOptions are timings short enough for tests but long enough to
// not flake under load.
func testOptions() scrutiny.Options {
	return scrutiny.Options{
		Name:           "test-client",
		Timeout:        250 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
		StatusInterval: 50 * time.Millisecond,
		TickInterval:   5 * time.Millisecond,
	}
}

// newTestClient connects a fresh client to a scripted server and
// registers cleanup for both.
func newTestClient(t *testing.T, opts scrutiny.Options) (*scrutiny.Client, *servertest.Server) {
	t.Helper()
	// Register the leak check before the disconnect cleanup: cleanups
	// run LIFO, so the check runs last, after both ends have shut down.
	t.Cleanup(leaktest.Check(t))
	srv, ch := servertest.NewLocal()
	c := scrutiny.NewClient(opts)
	if err := c.ConnectChannel(ch); err != nil {
		srv.Close()
		t.Fatalf("ConnectChannel failed: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect()
		srv.Close()
	})
	return c, srv
}

func TestConnectReportsStatus(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	if got := c.State(); got != scrutiny.Connected {
		t.Errorf("State: got %v, want %v", got, scrutiny.Connected)
	}
	info := c.LatestServerStatus()
	if info == nil {
		t.Fatal("LatestServerStatus: got nil, want a snapshot")
	}
	if info.DeviceCommState != scrutiny.DeviceReady {
		t.Errorf("DeviceCommState: got %v, want %v", info.DeviceCommState, scrutiny.DeviceReady)
	}
	if info.SFDFirmwareID != "firmware-1" {
		t.Errorf("SFDFirmwareID: got %q, want firmware-1", info.SFDFirmwareID)
	}
	if err := c.WaitDeviceReady(time.Second); err != nil {
		t.Errorf("WaitDeviceReady failed: %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	opts := testOptions()
	c, srv := newTestClient(t, opts)

	srv.Silence(wire.CmdGetInstalledSFD)
	start := time.Now()
	_, err := c.GetInstalledSFDs()
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("GetInstalledSFDs: got nil, want a timeout failure")
	}
	if elapsed < opts.Timeout {
		t.Errorf("call resolved after %v, want at least %v", elapsed, opts.Timeout)
	}

	// The client must still be usable afterward.
	if _, err := c.GetServerStats(); err != nil {
		t.Errorf("GetServerStats after timeout failed: %v", err)
	}
}

func TestServerRejection(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	srv.FailNext(wire.CmdGetInstalledSFD, 1)
	_, err := c.GetInstalledSFDs()
	if err == nil {
		t.Fatal("GetInstalledSFDs: got nil, want a server rejection")
	}
	var oerr *scrutiny.OperationError
	if !errors.As(err, &oerr) {
		t.Errorf("got %T (%v), want an OperationError", err, err)
	}

	// One rejection must not poison later calls.
	if _, err := c.GetInstalledSFDs(); err != nil {
		t.Errorf("second GetInstalledSFDs failed: %v", err)
	}
}

func TestDisconnectCancelsPendingCalls(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	const numCalls = 5
	srv.Silence(wire.CmdGetServerStats)

	var wg sync.WaitGroup
	errs := make([]error, numCalls)
	for i := range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetServerStats()
		}()
	}
	// Give the calls time to reach the wire before tearing down.
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Errorf("call %d: got nil, want a cancellation", i)
		}
	}
	if got := c.State(); got != scrutiny.Disconnected {
		t.Errorf("State: got %v, want %v", got, scrutiny.Disconnected)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	want := []byte{0xde, 0xad, 0xbe, 0xef}
	srv.SetMemory(0x2000_0000, want)

	got, err := c.ReadMemory(0x2000_0000, 4, time.Second)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadMemory (-want, +got):\n%s", diff)
	}

	data := []byte{1, 2, 3}
	if err := c.WriteMemory(0x2000_0100, data, time.Second); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	if diff := cmp.Diff(data, srv.Memory(0x2000_0100)); diff != "" {
		t.Errorf("server memory (-want, +got):\n%s", diff)
	}

	if _, err := c.ReadMemory(0x7777, 4, time.Second); err == nil {
		t.Error("ReadMemory of unmapped address: got nil, want failure")
	}
}

func TestGetInstalledSFDs(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	srv.SetInstalledSFDs(map[string]map[string]any{
		"fw-abc": {"project_name": "thermostat", "version": "1.2.3"},
	})
	got, err := c.GetInstalledSFDs()
	if err != nil {
		t.Fatalf("GetInstalledSFDs failed: %v", err)
	}
	want := map[string]scrutiny.SFDInfo{
		"fw-abc": {
			FirmwareID: "fw-abc",
			Metadata:   map[string]any{"project_name": "thermostat", "version": "1.2.3"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetInstalledSFDs (-want, +got):\n%s", diff)
	}
}

func TestGetServerStats(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	stats, err := c.GetServerStats()
	if err != nil {
		t.Fatalf("GetServerStats failed: %v", err)
	}
	if stats.Uptime <= 0 {
		t.Errorf("Uptime: got %v, want positive", stats.Uptime)
	}
	if stats.ClientCount != 1 {
		t.Errorf("ClientCount: got %d, want 1", stats.ClientCount)
	}
}

func TestDatalogAcquisition(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	cfg := &scrutiny.DataloggingConfig{
		SamplingRateID: 0,
		Decimation:     1,
		TimeoutSec:     0,
		Condition:      scrutiny.TriggerAlwaysTrue,
		XAxis:          scrutiny.XAxisIdeal,
		Signals:        []scrutiny.SignalDefinition{{Path: "/var/main/temp"}},
	}
	req, err := c.StartDataloggingAcquisition(cfg)
	if err != nil {
		t.Fatalf("StartDataloggingAcquisition failed: %v", err)
	}
	if req.Completed() {
		t.Error("acquisition completed before the device finished")
	}

	tokens := srv.AcquisitionTokens()
	if len(tokens) != 1 {
		t.Fatalf("got %d acquisition tokens, want 1", len(tokens))
	}
	srv.CompleteAcquisition(tokens[0], true, "ref-42")

	refID, err := req.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if refID != "ref-42" {
		t.Errorf("reference ID: got %q, want ref-42", refID)
	}
}

func TestDatalogConfigValidation(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	bad := &scrutiny.DataloggingConfig{Decimation: 1} // no signals
	if _, err := c.StartDataloggingAcquisition(bad); err == nil {
		t.Error("empty signal list: got nil, want a validation failure")
	}
	bad = &scrutiny.DataloggingConfig{
		Decimation:      1,
		TriggerPosition: 1.5,
		Signals:         []scrutiny.SignalDefinition{{Path: "/var/x"}},
	}
	if _, err := c.StartDataloggingAcquisition(bad); err == nil {
		t.Error("trigger position above 1: got nil, want a validation failure")
	}
}

func TestDownloadWatchableList(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float32"})
	srv.AddWatchable(servertest.Watchable{Path: "/var/b", ID: "id-b", Type: "var", DataType: "uint8"})
	srv.AddWatchable(servertest.Watchable{Path: "/alias/c", ID: "id-c", Type: "alias", DataType: "float64"})
	srv.AddWatchable(servertest.Watchable{Path: "/rpv/x1000", ID: "id-d", Type: "rpv", DataType: "uint32"})
	srv.SetListingSegmentSize(2) // force a segmented answer

	req, err := c.DownloadWatchableList(nil, nil)
	if err != nil {
		t.Fatalf("DownloadWatchableList failed: %v", err)
	}
	if err := req.Wait(time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	content, err := req.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var total int
	for _, entries := range content {
		total += len(entries)
	}
	if total != 4 {
		t.Errorf("got %d entries, want 4", total)
	}
	if n := len(content[scrutiny.Alias]); n != 1 {
		t.Errorf("got %d aliases, want 1", n)
	}
	if n := len(content[scrutiny.RuntimePublishedValue]); n != 1 {
		t.Errorf("got %d RPVs, want 1", n)
	}
}

func TestDisconnectReturnsPromptly(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	// The server end stays open: tearing down must not depend on the
	// peer closing its side of the channel.
	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return within 3s")
	}
}

func TestConcurrentConnectAllowsOneSession(t *testing.T) {
	defer leaktest.Check(t)()
	srv1, ch1 := servertest.NewLocal()
	defer srv1.Close()
	srv2, ch2 := servertest.NewLocal()
	defer srv2.Close()

	c := scrutiny.NewClient(testOptions())
	chans := []wire.Channel{ch1, ch2}
	errs := make([]error, len(chans))
	var wg sync.WaitGroup
	for i := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.ConnectChannel(chans[i])
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			var nerr *scrutiny.NotAllowedError
			if !errors.As(err, &nerr) {
				t.Errorf("losing attempt: got %T (%v), want a NotAllowedError", err, err)
			}
		}
	}
	if ok != 1 {
		t.Fatalf("%d connection attempts succeeded, want 1", ok)
	}
	if got := c.State(); got != scrutiny.Connected {
		t.Errorf("State: got %v, want %v", got, scrutiny.Connected)
	}
	c.Disconnect()
}

func TestReconnect(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	srv.Close()

	srv2, ch2 := servertest.NewLocal()
	defer srv2.Close()
	if err := c.ConnectChannel(ch2); err != nil {
		t.Fatalf("second ConnectChannel failed: %v", err)
	}
	if _, err := c.GetServerStats(); err != nil {
		t.Errorf("GetServerStats after reconnect failed: %v", err)
	}
	c.Disconnect()
}
