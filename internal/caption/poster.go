// Package caption delivers final transcript lines to a meeting platform's
// closed-caption HTTP endpoint.
//
// A single worker drains a submission queue, so at most one POST is ever in
// flight. Successful POSTs are spaced by a minimum interval; lines that
// arrive while the interval is pending are coalesced into one newline-joined
// body. Every request carries a monotonic seq query parameter that starts at
// 1 and advances only on a 2xx response, which lets the endpoint order
// captions across retries. Failed POSTs retry with exponential backoff and
// the item is dropped after repeated failures, so one rejected caption never
// stalls the stream.
package caption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parolfluo/parolfluo/internal/observe"
)

// Default worker parameters.
const (
	defaultMinInterval = time.Second
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 15 * time.Second
	defaultMaxAttempts = 5
	defaultTimeout     = 10 * time.Second

	// queueSize bounds the submission queue. When it fills, the oldest
	// caption is dropped so the newest text stays closest to realtime.
	queueSize = 64

	// closeGrace bounds the final flush attempt at shutdown.
	closeGrace = 2 * time.Second
)

// Config configures a [Poster].
type Config struct {
	// PostURL is the caption endpoint, typically a pre-signed URL issued by
	// the meeting platform. Empty disables the poster and [Poster.Submit]
	// becomes a no-op.
	PostURL string

	// MinInterval is the minimum wall-clock spacing between successful
	// POSTs. Defaults to 1s if zero.
	MinInterval time.Duration

	// Backoff is the initial retry delay after a failed POST. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the retry delay. Defaults to 15s
	// if zero.
	MaxBackoff time.Duration

	// MaxAttempts is the number of consecutive failures after which an item
	// is dropped. Defaults to 5 if zero.
	MaxAttempts int

	// HTTPClient overrides the client used for caption POSTs. Defaults to a
	// client with a 10s timeout.
	HTTPClient *http.Client

	// Metrics records POST outcomes. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Poster pushes caption text to the configured endpoint from a background
// worker started by [New].
//
// Submit and Close are safe for concurrent use. The sequence number and
// POST timing state are owned by the worker goroutine.
type Poster struct {
	url         string
	minInterval time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	client      *http.Client
	metrics     *observe.Metrics

	queue    chan string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// seq is the last sequence number acknowledged with a 2xx; the next
	// POST uses seq+1. Worker goroutine only.
	seq uint64

	// lastPost is when the last successful POST completed. Worker
	// goroutine only.
	lastPost time.Time

	// lastFailWarn is when a delivery failure was last logged at Warn.
	// Repeats within a minute log at Debug. Worker goroutine only.
	lastFailWarn time.Time
}

// New creates a [Poster] and starts its delivery worker. With an empty
// PostURL the poster is disabled: no worker runs and Submit does nothing.
func New(cfg Config) *Poster {
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	p := &Poster{
		url:         cfg.PostURL,
		minInterval: minInterval,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		maxAttempts: maxAttempts,
		client:      client,
		metrics:     metrics,
		queue:       make(chan string, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if p.url == "" {
		slog.Info("caption: no post URL configured, captions disabled")
		close(p.done)
		return p
	}
	go p.run()
	return p
}

// Submit enqueues caption text for delivery. Blank text is ignored. When
// the queue is full the oldest entry is discarded to make room.
func (p *Poster) Submit(text string) {
	if p.url == "" {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for {
		select {
		case p.queue <- text:
			return
		default:
		}
		select {
		case <-p.queue:
			slog.Debug("caption: queue full, dropped oldest")
			p.metrics.RecordCaptionPost(context.Background(), "dropped")
		default:
		}
	}
}

// Close stops the worker after a final bounded attempt to deliver anything
// still queued. It returns once the worker has exited; an in-flight POST is
// given until the HTTP client timeout to finish.
func (p *Poster) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// run is the delivery loop: pick up the next caption, hold it until the
// minimum interval allows another POST, then deliver it together with
// whatever else queued up in the meantime.
func (p *Poster) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.flushRemaining(nil)
			return
		case first := <-p.queue:
			pending, stopping := p.holdForInterval(first)
			if stopping {
				p.flushRemaining(pending)
				return
			}
			p.deliver(strings.Join(pending, "\n"))
		}
	}
}

// holdForInterval waits until the minimum interval since the last
// successful POST has elapsed, coalescing any captions queued in the
// meantime. The returned flag reports whether shutdown was requested
// during the wait.
func (p *Poster) holdForInterval(first string) ([]string, bool) {
	pending := []string{first}
	for {
		wait := p.minInterval - time.Since(p.lastPost)
		if wait <= 0 {
			// Interval already satisfied; sweep the queue once more so a
			// burst still goes out as a single request.
			for {
				select {
				case text := <-p.queue:
					pending = append(pending, text)
				default:
					return pending, false
				}
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.stop:
			timer.Stop()
			return pending, true
		case text := <-p.queue:
			timer.Stop()
			pending = append(pending, text)
		case <-timer.C:
		}
	}
}

// deliver POSTs body, retrying with exponential backoff. The item is
// dropped after maxAttempts consecutive failures so the queue keeps moving.
func (p *Poster) deliver(body string) bool {
	ctx := context.Background()
	backoff := p.backoff
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, body)
		if err == nil {
			p.metrics.RecordCaptionPost(ctx, "ok")
			return true
		}
		p.metrics.RecordCaptionPost(ctx, "error")
		if attempt >= p.maxAttempts {
			slog.Error("caption: dropping caption after repeated failures",
				"seq", p.seq+1,
				"attempts", attempt,
				"error", err,
			)
			p.metrics.RecordCaptionPost(ctx, "dropped")
			return false
		}
		level := slog.LevelDebug
		if time.Since(p.lastFailWarn) >= time.Minute {
			level = slog.LevelWarn
			p.lastFailWarn = time.Now()
		}
		slog.Log(ctx, level, "caption: POST failed",
			"seq", p.seq+1,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		p.metrics.CaptionRetries.Add(ctx, 1)
		select {
		case <-p.stop:
			slog.Warn("caption: abandoning retry at shutdown", "seq", p.seq+1)
			p.metrics.RecordCaptionPost(ctx, "dropped")
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

// flushRemaining makes one bounded attempt to deliver whatever is still
// queued before the worker exits. The interval spacing holds even for this
// last POST.
func (p *Poster) flushRemaining(pending []string) {
	for {
		select {
		case text := <-p.queue:
			pending = append(pending, text)
			continue
		default:
		}
		break
	}
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if wait := p.minInterval - time.Since(p.lastPost); wait > 0 {
		select {
		case <-ctx.Done():
			p.metrics.RecordCaptionPost(ctx, "dropped")
			return
		case <-time.After(wait):
		}
	}
	if err := p.attempt(ctx, strings.Join(pending, "\n")); err != nil {
		slog.Warn("caption: final POST failed at shutdown", "error", err)
		p.metrics.RecordCaptionPost(ctx, "error")
		return
	}
	p.metrics.RecordCaptionPost(ctx, "ok")
}

// attempt performs a single POST with the next sequence number. On a 2xx
// response it advances the sequence and stamps the interval clock.
func (p *Poster) attempt(ctx context.Context, body string) error {
	seq := p.seq + 1
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sequenceURL(p.url, seq), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("caption: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("caption: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("caption: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	p.seq = seq
	p.lastPost = time.Now()
	slog.Debug("caption: posted", "seq", seq, "bytes", len(body))
	return nil
}

// sequenceURL appends the sequence number to the endpoint URL. Caption URLs
// are pre-signed by the platform, so the existing query string is appended
// to rather than re-encoded.
func sequenceURL(base string, seq uint64) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "seq=" + strconv.FormatUint(seq, 10)
}
