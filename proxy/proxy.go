// Package proxy implements cross-node request forwarding over HTTP. It is
// the dispatch.RemoteCaller used when a target account is homed on another
// node.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harbormail/dispatch/cluster"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
)

const (
	contentTypeJSON = "application/json"

	// larger payloads get proportionally more time on the wire
	perMegabyteTimeout = 10 * time.Second
)

// Options tune the caller.
type Options struct {
	// Timeout is the floor for one round trip. Scaled up for large
	// payloads.
	Timeout time.Duration
	// Retries is how many times a retriable failure is re-attempted.
	Retries int
	// UserAgent sent on forwarded requests.
	UserAgent string
}

// Caller forwards envelopes to peer nodes.
type Caller struct {
	topo   *cluster.Topology
	client *http.Client
	log    *slog.Logger
	opts   Options
}

func New(topo *cluster.Topology, log *slog.Logger, opts Options) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "harbormail-dispatch-proxy"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		topo:   topo,
		client: &http.Client{},
		log:    log,
		opts:   opts,
	}
}

// Call sends the envelope to the node's dispatch endpoint and parses the
// response envelope. Transport failures and retriable faults are retried
// within the configured budget; the last failure wins.
func (c *Caller) Call(ctx context.Context, nodeID string, env *envelope.Envelope) (*envelope.Envelope, error) {
	url, err := c.topo.URLFor(nodeID)
	if err != nil {
		return nil, fault.ProxyError(nodeID, err)
	}
	payload, err := env.Marshal()
	if err != nil {
		return nil, fault.Failure(err)
	}

	timeout := c.timeoutFor(len(payload))
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			c.log.DebugContext(ctx, "retrying proxy call",
				"node", nodeID, "attempt", attempt, "error", lastErr)
		}
		resp, err := c.roundTrip(ctx, url, payload, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var fe *fault.Error
		if errors.As(err, &fe) && !fe.Retriable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fault.ProxyError(url, ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *Caller) timeoutFor(payloadSize int) time.Duration {
	scaled := time.Duration(payloadSize/(1<<20)) * perMegabyteTimeout
	if scaled < c.opts.Timeout {
		return c.opts.Timeout
	}
	return scaled
}

func (c *Caller) roundTrip(ctx context.Context, url string, payload []byte, timeout time.Duration) (*envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Failure(err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fault.ResourceUnreachable(url, 0, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fault.ResourceUnreachable(url, res.StatusCode, err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fault.NoSuchItem(url)
	case res.StatusCode >= 300 && res.StatusCode != http.StatusInternalServerError:
		// 500 responses still carry a fault envelope worth parsing
		return nil, fault.ResourceUnreachable(url, res.StatusCode, nil)
	}

	out, err := envelope.Parse(body)
	if err != nil {
		return nil, fault.ProxyError(url, err)
	}
	return out, nil
}
