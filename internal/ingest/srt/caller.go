package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/pushmux/internal/ingest"
)

// DefaultDialTimeout bounds Pull's connection attempt.
const DefaultDialTimeout = 10 * time.Second

// ErrPullActive is returned when a pull for the stream key is running.
var ErrPullActive = errors.New("srt: pull already active")

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string
	StreamKey string
	// StreamID is sent to the remote listener. Empty means "live/<key>".
	StreamID string
	Latency  time.Duration
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// Caller dials remote SRT listeners and streams their data into the
// ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	// DialTimeout bounds each dial. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener and returns once connected; streaming
// continues in the background until the remote ends, Stop is called or
// ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("srt: address is required")
	}
	if req.StreamKey == "" {
		return errors.New("srt: stream key is required")
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %q", ErrPullActive, req.StreamKey)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyOrDefault(req.Latency)
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt dial %s: %w", req.Address, res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		drain()
		return fmt.Errorf("srt dial %s timed out after %s", req.Address, timeout)
	case <-ctx.Done():
		drain()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	stream, err := c.registry.Register(req.StreamKey, Protocol)
	if err != nil {
		conn.Close()
		return err
	}
	stream.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	ap := &activePull{req: req, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		c.registry.Unregister(req.StreamKey)
		return fmt.Errorf("%w: %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = ap
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	// Closing both ends unblocks a pending Read or pipe Write.
	go func() {
		<-pullCtx.Done()
		conn.Close()
		stream.CloseWrite()
	}()

	go func() {
		defer func() {
			cancel()
			stats := stream.Stats()
			c.registry.Unregister(req.StreamKey)
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
			close(ap.done)
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.Uptime.Milliseconds())
		}()
		copyStream(pullCtx, c.log, conn, stream)
	}()
	return nil
}

// Stop cancels the pull for streamKey and waits for it to wind down.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	<-ap.done
	return nil
}

// ActivePulls returns the running pull requests.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
