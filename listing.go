// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import (
	"time"

	"github.com/golang/glog"
	"github.com/scrutinydebugger/scrutiny-go/wire"
)

// A WatchableDescriptor names one element available for watching.
type WatchableDescriptor struct {
	Path     string
	ServerID string
	Type     WatchableType
	DataType string
}

// A WatchableListRequest tracks a watchable-list download in
// progress. The server answers in segments that all carry the request
// ID of the download; segments accumulate here until the final one.
type WatchableListRequest struct {
	c       *Client
	reqID   uint32
	created time.Time

	done      chan struct{}
	content   map[WatchableType][]WatchableDescriptor
	failed    bool
	cancelled bool
}

// listingLifetime bounds how long a download may stay unfinished
// before the client gives up on it.
const listingLifetime = 30 * time.Second

// listingFilter is the request-side filter of get_watchable_list.
type listingFilter struct {
	Types []string `json:"type_filter,omitempty"`
	Names []string `json:"name_patterns,omitempty"`
}

type getWatchableListPayload struct {
	wire.Header
	MaxPerResponse int           `json:"max_per_response"`
	Filter         listingFilter `json:"filter"`
}

type watchableListSegment struct {
	wire.Header
	Done    bool `json:"done"`
	Content map[string][]struct {
		Path     string `json:"display_path"`
		ID       string `json:"id"`
		DataType string `json:"datatype"`
	} `json:"content"`
}

// listingMaxPerResponse caps segment size so that a large firmware
// does not produce one giant message.
const listingMaxPerResponse = 500

// DownloadWatchableList starts downloading the list of elements
// available on the server. A nil type list requests all types; name
// patterns are server-side globs on the display path. The returned
// request completes asynchronously; block on Wait or poll Completed.
func (c *Client) DownloadWatchableList(types []WatchableType, namePatterns []string) (*WatchableListRequest, error) {
	var filter listingFilter
	for _, t := range types {
		filter.Types = append(filter.Types, t.String())
	}
	filter.Names = namePatterns

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, connErrorf(nil, "disconnected from server")
	}
	id := c.nextRequestIDLocked()
	req := &WatchableListRequest{
		c:       c,
		reqID:   id,
		created: time.Now(),
		done:    make(chan struct{}),
		content: make(map[WatchableType][]WatchableDescriptor),
	}
	c.listings[id] = req
	ch := c.ch
	c.mu.Unlock()

	payload := &getWatchableListPayload{MaxPerResponse: listingMaxPerResponse, Filter: filter}
	data, err := wire.Marshal(wire.CmdGetWatchableList, &id, payload)
	if err != nil {
		c.dropListing(id)
		return nil, err
	}
	c.out.Lock()
	err = ch.Send(data)
	c.out.Unlock()
	if err != nil {
		c.dropListing(id)
		return nil, connErrorf(err, "sending watchable list request")
	}
	return req, nil
}

func (c *Client) dropListing(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listings, id)
}

// Completed reports whether the download reached a terminal state.
func (r *WatchableListRequest) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the download completes, fails or d elapses.
func (r *WatchableListRequest) Wait(d time.Duration) error {
	select {
	case <-r.done:
	case <-time.After(d):
		return timeoutErrorf("watchable list download did not complete in %v", d)
	}
	switch {
	case r.cancelled:
		return opErrorf("watchable list download was cancelled")
	case r.failed:
		return opErrorf("watchable list download failed")
	}
	return nil
}

// Get returns the downloaded content. It fails unless the download
// completed successfully.
func (r *WatchableListRequest) Get() (map[WatchableType][]WatchableDescriptor, error) {
	select {
	case <-r.done:
	default:
		return nil, invalidValuef("watchable list download is not finished")
	}
	if r.cancelled || r.failed {
		return nil, invalidValuef("watchable list download did not succeed")
	}
	return r.content, nil
}

// Cancel abandons the download. Segments still in flight are
// discarded on arrival.
func (r *WatchableListRequest) Cancel() {
	r.c.mu.Lock()
	_, live := r.c.listings[r.reqID]
	delete(r.c.listings, r.reqID)
	r.c.mu.Unlock()
	if live {
		r.cancelled = true
		close(r.done)
	}
}

// fail resolves the download as failed. Called with c.mu NOT held.
func (r *WatchableListRequest) fail() {
	select {
	case <-r.done:
		return
	default:
	}
	r.failed = true
	close(r.done)
}

// handleListingSegment accumulates one response_get_watchable_list
// segment into its download. Segments for unknown request IDs, which
// includes cancelled downloads, are dropped.
func (c *Client) handleListingSegment(msg *wire.Message) error {
	if msg.ReqID == nil {
		return badResponsef("watchable list segment carries no request ID")
	}
	var seg watchableListSegment
	if err := msg.Decode(&seg); err != nil {
		return badResponsef("malformed watchable list segment: %v", err)
	}
	c.mu.Lock()
	req, ok := c.listings[*msg.ReqID]
	if ok && seg.Done {
		delete(c.listings, *msg.ReqID)
	}
	c.mu.Unlock()
	if !ok {
		glog.V(1).Infof("scrutiny: dropping watchable list segment for reqid %d", *msg.ReqID)
		return nil
	}
	for typeName, entries := range seg.Content {
		t := parseWatchableType(typeName)
		for _, e := range entries {
			req.content[t] = append(req.content[t], WatchableDescriptor{
				Path:     e.Path,
				ServerID: e.ID,
				Type:     t,
				DataType: e.DataType,
			})
		}
	}
	if seg.Done {
		close(req.done)
	}
	return nil
}

// pruneListingsLocked drops downloads whose final segment never
// came. Caller holds c.mu and fails the returned requests after
// unlocking.
func (c *Client) pruneListingsLocked(now time.Time) (expired []*WatchableListRequest) {
	for id, req := range c.listings {
		if now.Sub(req.created) > listingLifetime {
			delete(c.listings, id)
			expired = append(expired, req)
		}
	}
	return expired
}

// cancelAllListings fails every download in progress. Part of the
// disconnect path.
func (c *Client) cancelAllListings() {
	c.mu.Lock()
	listings := c.listings
	c.listings = make(map[uint32]*WatchableListRequest)
	c.mu.Unlock()
	for _, req := range listings {
		req.fail()
	}
}
