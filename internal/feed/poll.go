package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PollDialer turns a plain HTTP JSON endpoint into a frame source. Each
// "session" is just the polling ticker; a frame is one response body. The
// ETag/If-None-Match pair suppresses frames when the upstream document has
// not changed, so the adapter only sees real updates.
type PollDialer struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

func (d *PollDialer) Dial(ctx context.Context) (Conn, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("poll feed: empty url")
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &pollConn{url: d.URL, interval: interval, client: client}, nil
}

type pollConn struct {
	url      string
	interval time.Duration
	client   *http.Client
	etag     string
	first    bool
}

func (c *pollConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if c.first {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.interval):
			}
		}
		c.first = true

		body, changed, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		return body, nil
	}
}

func (c *pollConn) fetch(ctx context.Context) (body []byte, changed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("poll feed: unexpected status %d", resp.StatusCode)
	}

	c.etag = resp.Header.Get("ETag")
	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (c *pollConn) Close() error { return nil }
