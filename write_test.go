// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	scrutiny "github.com/scrutinydebugger/scrutiny-go"
	"github.com/scrutinydebugger/scrutiny-go/servertest"
)

func TestSingleWrite(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.AddWatchable(servertest.Watchable{Path: "/var/gain", ID: "id-gain", Type: "var", DataType: "float64"})

	h, err := c.Watch("/var/gain")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	req, err := h.Write(2.5)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !req.Completed() || !req.Success() {
		t.Errorf("write request: completed=%v success=%v, want true/true", req.Completed(), req.Success())
	}

	writes := srv.Writes()
	if len(writes) != 1 {
		t.Fatalf("server saw %d write messages, want 1", len(writes))
	}
	want := []servertest.WriteUpdate{{BatchIndex: 0, WatchableID: "id-gain", Value: 2.5}}
	if diff := cmp.Diff(want, writes[0].Updates); diff != "" {
		t.Errorf("write message (-want, +got):\n%s", diff)
	}
}

func TestWriteRefusedByDevice(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.SetWriteSuccess(false)

	h, err := c.Watch("/var/gain")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	_, err = h.Write(1)
	if err == nil {
		t.Fatal("Write: got nil, want a device refusal")
	}
	var oerr *scrutiny.OperationError
	if !errors.As(err, &oerr) {
		t.Errorf("got %T (%v), want an OperationError", err, err)
	}
}

func TestWriteRejectsBadValues(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	h, err := c.Watch("/var/gain")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if _, err := h.Write(nil); err == nil {
		t.Error("Write(nil): got nil, want failure")
	}
	if _, err := h.Write(struct{ X int }{1}); err == nil {
		t.Error("Write(struct): got nil, want failure")
	}
}

func TestBatchWriteTravelsAsOneMessage(t *testing.T) {
	c, srv := newTestClient(t, testOptions())
	srv.SetManualWriteCompletions(true)

	const numWrites = 5
	handles := make([]*scrutiny.Handle, numWrites)
	paths := []string{"/var/a", "/var/b", "/var/c", "/var/d", "/var/e"}
	for i, path := range paths {
		h, err := c.Watch(path)
		if err != nil {
			t.Fatalf("Watch %s failed: %v", path, err)
		}
		handles[i] = h
	}

	reqs := make([]*scrutiny.WriteRequest, numWrites)
	done := make(chan error, 1)
	go func() {
		done <- c.BatchWrite(2*time.Second, func() error {
			for i, h := range handles {
				req, err := h.Write(i)
				if err != nil {
					return err
				}
				reqs[i] = req
			}
			return nil
		})
	}()

	// Wait for the whole batch to reach the server in one message.
	var writes []servertest.RecordedWrite
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if writes = srv.Writes(); len(writes) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(writes) != 1 {
		t.Fatalf("server saw %d write messages, want 1", len(writes))
	}
	if len(writes[0].Updates) != numWrites {
		t.Fatalf("message carries %d updates, want %d", len(writes[0].Updates), numWrites)
	}
	for i, u := range writes[0].Updates {
		if u.BatchIndex != i {
			t.Errorf("update %d has batch_index %d", i, u.BatchIndex)
		}
	}

	// Completions arrive out of order; the batch must still resolve.
	for i := numWrites - 1; i >= 0; i-- {
		srv.CompleteWrite(writes[0].Token, i, true)
	}
	if err := <-done; err != nil {
		t.Fatalf("BatchWrite failed: %v", err)
	}
	for i, req := range reqs {
		if !req.Completed() || !req.Success() {
			t.Errorf("write %d: completed=%v success=%v, want true/true", i, req.Completed(), req.Success())
		}
	}
}

func TestBatchTimeoutOutlivesClientDefault(t *testing.T) {
	c, srv := newTestClient(t, testOptions()) // client-wide write timeout: 500ms
	srv.SetManualWriteCompletions(true)

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	var req *scrutiny.WriteRequest
	done := make(chan error, 1)
	go func() {
		done <- c.BatchWrite(2*time.Second, func() error {
			var werr error
			req, werr = h.Write(1)
			return werr
		})
	}()

	var writes []servertest.RecordedWrite
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if writes = srv.Writes(); len(writes) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(writes) != 1 {
		t.Fatalf("server saw %d write messages, want 1", len(writes))
	}

	// Hold the completion past the client-wide write timeout. The
	// batch's own budget governs, so the write must still succeed.
	time.Sleep(700 * time.Millisecond)
	srv.CompleteWrite(writes[0].Token, 0, true)
	if err := <-done; err != nil {
		t.Fatalf("BatchWrite failed: %v", err)
	}
	if !req.Completed() || !req.Success() {
		t.Errorf("write request: completed=%v success=%v, want true/true", req.Completed(), req.Success())
	}
}

func TestOversizedBatchFailsLocally(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	const numWrites = 501 // one past the per-message cap
	reqs := make([]*scrutiny.WriteRequest, 0, numWrites)
	got := c.BatchWrite(time.Second, func() error {
		for range numWrites {
			req, err := h.Write(1)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		return nil
	})
	var nerr *scrutiny.NotAllowedError
	if !errors.As(got, &nerr) {
		t.Fatalf("BatchWrite: got %v, want a NotAllowedError", got)
	}
	for i, req := range reqs {
		if !req.Completed() || req.Success() {
			t.Fatalf("write %d: completed=%v success=%v, want true/false", i, req.Completed(), req.Success())
		}
	}
	if reason := reqs[0].FailureReason(); !strings.Contains(reason, "limit") {
		t.Errorf("failure reason %q does not name the size limit", reason)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(srv.Writes()); n != 0 {
		t.Errorf("server saw %d write messages, want 0", n)
	}
}

func TestBatchWriteDoesNotNest(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	err := c.BatchWrite(time.Second, func() error {
		inner := c.BatchWrite(time.Second, func() error { return nil })
		var nerr *scrutiny.NotAllowedError
		if !errors.As(inner, &nerr) {
			t.Errorf("nested BatchWrite: got %v, want a NotAllowedError", inner)
		}
		return nil
	})
	if err != nil {
		t.Errorf("outer BatchWrite failed: %v", err)
	}
}

func TestBatchWriteAbandonedOnError(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	boom := errors.New("boom")
	var req *scrutiny.WriteRequest
	got := c.BatchWrite(time.Second, func() error {
		req, _ = h.Write(1)
		return boom
	})
	if !errors.Is(got, boom) {
		t.Errorf("BatchWrite: got %v, want %v", got, boom)
	}
	if !req.Completed() || req.Success() {
		t.Errorf("abandoned write: completed=%v success=%v, want true/false", req.Completed(), req.Success())
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(srv.Writes()); n != 0 {
		t.Errorf("server saw %d write messages, want 0", n)
	}
}

func TestWriteToDeadHandleFails(t *testing.T) {
	c, _ := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := h.Unwatch(); err != nil {
		t.Fatalf("Unwatch failed: %v", err)
	}
	if _, err := h.Write(1); err == nil {
		t.Error("Write on a dead handle: got nil, want failure")
	}
}

func TestFlushWrites(t *testing.T) {
	c, srv := newTestClient(t, testOptions())

	h, err := c.Watch("/var/a")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if _, err := h.Write(1); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := c.FlushWrites(time.Second); err != nil {
		t.Fatalf("FlushWrites failed: %v", err)
	}
	if n := len(srv.Writes()); n != 1 {
		t.Errorf("server saw %d write messages, want 1", n)
	}
}
