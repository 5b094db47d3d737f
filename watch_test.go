// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	scrutiny "github.com/scrutinydebugger/scrutiny-go"
	"github.com/scrutinydebugger/scrutiny-go/servertest"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

func TestWatchIsIdempotent(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float64"})

	h1, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	h2, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("second Watch failed: %v", err)
	}
	if h1 != h2 {
		t.Error("watching the same path twice returned distinct handles")
	}
	if got := srv.RequestCount(wire.CmdSubscribeWatchable); got != 1 {
		t.Errorf("server saw %d subscribe requests, want 1", got)
	}
	if id, err := h1.ServerID(); err != nil || id != "id-a" {
		t.Errorf("ServerID: got %q, %v; want id-a, nil", id, err)
	}
}

func TestConcurrentWatchSubscribesOnce(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	const numWatchers = 8
	var wg sync.WaitGroup
	handles := make([]*scrutiny.Handle, numWatchers)
	errs := make([]error, numWatchers)
	for i := range numWatchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = c.Watch("/var/shared")
		}()
	}
	wg.Wait()

	for i := range numWatchers {
		if errs[i] != nil {
			t.Fatalf("watcher %d failed: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Errorf("watcher %d got a distinct handle", i)
		}
	}
	if got := srv.RequestCount(wire.CmdSubscribeWatchable); got != 1 {
		t.Errorf("server saw %d subscribe requests, want 1", got)
	}
}

func TestValueUpdates(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/temp", ID: "id-temp", Type: "var", DataType: "float64"})

	h, err := c.Watch("/var/temp")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if _, err := h.Value(); err == nil {
		t.Error("Value before any update: got nil, want failure")
	}
	if got := h.Status(); got != scrutiny.StatusNeverSet {
		t.Errorf("Status: got %v, want %v", got, scrutiny.StatusNeverSet)
	}

	srv.SendUpdate("id-temp", 21.5, 1000)
	if err := h.WaitUpdate(0, time.Second); err != nil {
		t.Fatalf("WaitUpdate failed: %v", err)
	}
	v, err := h.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != 21.5 {
		t.Errorf("Value: got %v, want 21.5", v)
	}

	srv.SendUpdate("id-temp", 22.0, 2000)
	if err := h.WaitUpdate(1, time.Second); err != nil {
		t.Fatalf("second WaitUpdate failed: %v", err)
	}
	if got := h.UpdateCount(); got != 2 {
		t.Errorf("UpdateCount: got %d, want 2", got)
	}
}

func TestWaitNewValueForAll(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float64"})
	srv.AddWatchable(servertest.Watchable{Path: "/var/b", ID: "id-b", Type: "var", DataType: "float64"})

	if _, err := c.Watch("/var/a"); err != nil {
		t.Fatalf("Watch a failed: %v", err)
	}
	if _, err := c.Watch("/var/b"); err != nil {
		t.Fatalf("Watch b failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.WaitNewValueForAll(time.Second) }()
	srv.SendUpdate("id-a", 1, 100)
	srv.SendUpdate("id-b", 2, 100)
	if err := <-done; err != nil {
		t.Errorf("WaitNewValueForAll failed: %v", err)
	}
}

func TestUnwatch(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := h.Unwatch(); err != nil {
		t.Fatalf("Unwatch failed: %v", err)
	}
	if got := h.Status(); got != scrutiny.StatusNotWatched {
		t.Errorf("Status: got %v, want %v", got, scrutiny.StatusNotWatched)
	}
	if _, err := h.Value(); err == nil {
		t.Error("Value after Unwatch: got nil, want failure")
	}
	if srv.Subscribed("/var/a") {
		t.Error("server still considers the path subscribed")
	}
	if c.TryGetExistingWatchHandle("/var/a") != nil {
		t.Error("handle still cached after Unwatch")
	}

	var nerr *scrutiny.NameNotFoundError
	if err := c.Unwatch("/var/a"); !errors.As(err, &nerr) {
		t.Errorf("second Unwatch: got %v, want a NameNotFoundError", err)
	}

	// Watching again starts a fresh subscription.
	h2, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("re-Watch failed: %v", err)
	}
	if h2 == h {
		t.Error("re-Watch returned the dead handle")
	}
	if got := srv.RequestCount(wire.CmdSubscribeWatchable); got != 2 {
		t.Errorf("server saw %d subscribe requests, want 2", got)
	}
}

func TestHandleLookupByServerID(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float64"})

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if got := c.TryGetExistingWatchHandleByServerID("id-a"); got != h {
		t.Error("lookup by server ID did not return the watched handle")
	}
	if got := c.TryGetExistingWatchHandleByServerID("nonesuch"); got != nil {
		t.Errorf("lookup of unknown server ID: got %v, want nil", got)
	}
}

// waitHandleStatus polls until the handle reaches the wanted status.
func waitHandleStatus(t *testing.T, h *scrutiny.Handle, want scrutiny.ValueStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("handle status is %v, want %v", h.Status(), want)
}

func TestDeviceGoneInvalidatesAllHandles(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float64"})
	srv.AddWatchable(servertest.Watchable{Path: "/rpv/x1000", ID: "id-r", Type: "rpv", DataType: "uint32"})

	hVar, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch var failed: %v", err)
	}
	hRPV, err := c.Watch("/rpv/x1000")
	if err != nil {
		t.Fatalf("Watch rpv failed: %v", err)
	}

	st := servertest.DefaultStatus()
	st.DeviceState = "disconnected"
	st.SessionID = ""
	srv.SetStatus(st)
	srv.BroadcastStatus()

	waitHandleStatus(t, hVar, scrutiny.StatusDeviceGone)
	waitHandleStatus(t, hRPV, scrutiny.StatusDeviceGone)
	if c.TryGetExistingWatchHandle("/var/a") != nil {
		t.Error("invalidated handle still cached")
	}
}

func TestFirmwareUnloadSparesRPVs(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/a", ID: "id-a", Type: "var", DataType: "float64"})
	srv.AddWatchable(servertest.Watchable{Path: "/alias/b", ID: "id-b", Type: "alias", DataType: "float64"})
	srv.AddWatchable(servertest.Watchable{Path: "/rpv/x1000", ID: "id-r", Type: "rpv", DataType: "uint32"})

	hVar, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch var failed: %v", err)
	}
	hAlias, err := c.Watch("/alias/b")
	if err != nil {
		t.Fatalf("Watch alias failed: %v", err)
	}
	hRPV, err := c.Watch("/rpv/x1000")
	if err != nil {
		t.Fatalf("Watch rpv failed: %v", err)
	}

	st := servertest.DefaultStatus()
	st.FirmwareID = ""
	srv.SetStatus(st)
	srv.BroadcastStatus()

	waitHandleStatus(t, hVar, scrutiny.StatusFirmwareUnloaded)
	waitHandleStatus(t, hAlias, scrutiny.StatusFirmwareUnloaded)

	// RPVs live in the device itself and survive the unload.
	srv.SendUpdate("id-r", uint32(7), 100)
	if err := hRPV.WaitUpdate(0, time.Second); err != nil {
		t.Errorf("RPV update after firmware unload failed: %v", err)
	}
	if c.TryGetExistingWatchHandle("/rpv/x1000") != hRPV {
		t.Error("RPV handle evicted by a firmware unload")
	}
}

func TestDisconnectInvalidatesHandles(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	c.Disconnect()

	if got := h.Status(); got != scrutiny.StatusServerGone {
		t.Errorf("Status after disconnect: got %v, want %v", got, scrutiny.StatusServerGone)
	}
	if _, err := h.Value(); err == nil {
		t.Error("Value after disconnect: got nil, want failure")
	}
}
