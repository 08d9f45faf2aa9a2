// Package webhook batches final transcript lines and posts them to a Discord
// webhook.
//
// Finals are grouped so the channel receives readable paragraphs instead of a
// message per utterance: a batch flushes once it has aged past the flush
// interval and ends on a sentence boundary, or earlier when it grows past the
// size threshold. One worker owns the webhook; at most one message is in
// flight at a time.
package webhook

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/parolfluo/parolfluo/internal/config"
	"github.com/parolfluo/parolfluo/internal/observe"
	"github.com/parolfluo/parolfluo/pkg/types"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultMaxChars      = 350
	defaultUsername      = "Esperanto STT"
	defaultBackoff       = time.Second
	defaultMaxBackoff    = 10 * time.Second
	defaultMaxAttempts   = 5

	// hardCap is Discord's message content limit with headroom for the
	// section headers a split can duplicate.
	hardCap = 1900

	// queueSize bounds entries waiting for the worker. The worker only
	// stops consuming during retry backoff, so the queue sheds oldest
	// entries under a prolonged webhook outage.
	queueSize = 256
)

// sentenceEnders are the terminators that mark a batch as complete.
const sentenceEnders = ".?!。？！"

// executor posts one webhook message. Satisfied by [*discordgo.Session].
type executor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds the webhook sink settings. Zero durations and counts use the
// package defaults.
type Config struct {
	// URL is the full Discord webhook URL, https://.../webhooks/<id>/<token>.
	URL string

	// Username is the display name messages post under. Defaults to
	// "Esperanto STT".
	Username string

	// Targets lists translation language codes in section order.
	Targets []string

	// FlushInterval is how long a batch must age before a sentence boundary
	// flushes it. Defaults to 2s.
	FlushInterval time.Duration

	// MaxChars flushes a batch regardless of boundaries once the formatted
	// body reaches this many characters. Defaults to 350.
	MaxChars int

	// Backoff is the initial retry delay, doubling to MaxBackoff. Defaults
	// to 1s and 10s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// MaxAttempts is how many delivery attempts a message gets before it is
	// dropped. Defaults to 5.
	MaxAttempts int

	// Session overrides the discordgo session, for tests.
	Session executor

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Batcher accumulates finals and posts batches to the webhook from a single
// worker goroutine.
type Batcher struct {
	id       string
	token    string
	username string
	targets  []string

	interval    time.Duration
	maxChars    int
	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	session executor
	metrics *observe.Metrics

	queue    chan types.EnrichedFinal
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// lastFailWarn is when a delivery failure was last logged at Warn.
	// Repeats within a minute log at Debug. Worker goroutine only.
	lastFailWarn time.Time
}

// New parses the webhook URL, builds a session and starts the batch worker.
func New(cfg Config) (*Batcher, error) {
	id, token, err := config.ParseWebhookURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	session := cfg.Session
	if session == nil {
		// Webhook execution authenticates through the URL token, so the
		// session carries no bot credentials.
		s, err := discordgo.New("")
		if err != nil {
			return nil, err
		}
		session = s
	}

	b := &Batcher{
		id:          id,
		token:       token,
		username:    cfg.Username,
		targets:     append([]string(nil), cfg.Targets...),
		interval:    cfg.FlushInterval,
		maxChars:    cfg.MaxChars,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		maxAttempts: cfg.MaxAttempts,
		session:     session,
		metrics:     cfg.Metrics,
		queue:       make(chan types.EnrichedFinal, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Add appends a final to the pending batch. It never blocks; when the worker
// is stuck in retry backoff and the queue fills, the oldest entry is shed.
func (b *Batcher) Add(ev types.EnrichedFinal) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	for {
		select {
		case b.queue <- ev:
			return
		default:
		}
		select {
		case old := <-b.queue:
			slog.Debug("webhook: queue full, dropping oldest entry", "text", old.Text)
		default:
		}
	}
}

// Close flushes the pending batch with a single delivery attempt and stops
// the worker. Safe to call more than once.
func (b *Batcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

func (b *Batcher) run() {
	defer close(b.done)

	var batch []types.EnrichedFinal
	var firstAdded, lastAdded time.Time

	for {
		if len(batch) == 0 {
			select {
			case <-b.stop:
				b.finalFlush(nil)
				return
			case ev := <-b.queue:
				batch = append(batch, ev)
				firstAdded = time.Now()
				lastAdded = firstAdded
			}
			continue
		}

		if utf8.RuneCountInString(formatBatch(batch, b.targets)) >= b.maxChars {
			b.flush(batch)
			batch = nil
			continue
		}

		// A terminated batch flushes once it has aged past the interval.
		// An unterminated one waits for the rest of the sentence and only
		// flushes after the queue has been idle that long, so a lone
		// fragment is not held forever.
		var wait time.Duration
		if endsSentence(batch[len(batch)-1].Text) {
			wait = b.interval - time.Since(firstAdded)
		} else {
			wait = b.interval - time.Since(lastAdded)
		}
		if wait <= 0 {
			b.flush(batch)
			batch = nil
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-b.stop:
			timer.Stop()
			b.finalFlush(batch)
			return
		case ev := <-b.queue:
			timer.Stop()
			batch = append(batch, ev)
			lastAdded = time.Now()
		case <-timer.C:
		}
	}
}

// flush formats the batch and posts it, splitting when the body exceeds the
// hard size cap.
func (b *Batcher) flush(batch []types.EnrichedFinal) {
	body := formatBatch(batch, b.targets)
	if body == "" {
		return
	}
	for _, chunk := range splitMessage(body, hardCap) {
		b.post(chunk)
	}
}

// finalFlush appends anything still queued and posts once. Called with the
// stop channel already closed, so post makes exactly one attempt.
func (b *Batcher) finalFlush(batch []types.EnrichedFinal) {
	for {
		select {
		case ev := <-b.queue:
			batch = append(batch, ev)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}
	b.flush(batch)
}

// post delivers one message with exponential backoff, dropping it after
// MaxAttempts consecutive failures.
func (b *Batcher) post(content string) {
	ctx := context.Background()
	backoff := b.backoff
	for attempt := 1; ; attempt++ {
		_, err := b.session.WebhookExecute(b.id, b.token, false, &discordgo.WebhookParams{
			Content:  content,
			Username: b.username,
		})
		if err == nil {
			b.metrics.RecordWebhookFlush(ctx, "ok")
			slog.Debug("webhook: posted batch", "chars", utf8.RuneCountInString(content))
			return
		}

		b.metrics.RecordWebhookFlush(ctx, "error")
		if attempt >= b.maxAttempts {
			slog.Error("webhook: dropping batch after repeated failures",
				"attempts", attempt, "error", err)
			b.metrics.RecordWebhookFlush(ctx, "dropped")
			return
		}
		level := slog.LevelDebug
		if time.Since(b.lastFailWarn) >= time.Minute {
			level = slog.LevelWarn
			b.lastFailWarn = time.Now()
		}
		slog.Log(ctx, level, "webhook: delivery failed",
			"attempt", attempt, "backoff", backoff, "error", err)
		b.metrics.WebhookRetries.Add(ctx, 1)

		select {
		case <-b.stop:
			slog.Warn("webhook: abandoning retry at shutdown")
			b.metrics.RecordWebhookFlush(ctx, "dropped")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

// endsSentence reports whether text closes with a sentence terminator after
// trimming trailing whitespace.
func endsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(sentenceEnders, last)
}

// formatBatch renders the batch as an Esperanto section followed by one
// section per target language that collected at least one translation, all
// preserving entry order.
func formatBatch(batch []types.EnrichedFinal, targets []string) string {
	if len(batch) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Esperanto:\n")
	for _, ev := range batch {
		sb.WriteString(ev.Text)
		sb.WriteByte('\n')
	}

	for _, lang := range targets {
		var lines []string
		for _, ev := range batch {
			if t, ok := ev.Translations[lang]; ok && t != "" {
				lines = append(lines, t)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString(types.LangLabel(lang))
		sb.WriteString(":\n")
		for _, l := range lines {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// splitMessage breaks body into chunks of at most limit characters, splitting
// on line boundaries and only cutting inside a line when the line itself
// exceeds the limit.
func splitMessage(body string, limit int) []string {
	if utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	emit := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.Split(body, "\n") {
		lineLen := utf8.RuneCountInString(line)
		for lineLen > limit {
			emit()
			runes := []rune(line)
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
			lineLen = utf8.RuneCountInString(line)
		}
		// +1 for the joining newline when the chunk already has content.
		need := lineLen
		if curLen > 0 {
			need++
		}
		if curLen+need > limit {
			emit()
			need = lineLen
		}
		if curLen > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		curLen += need
	}
	emit()
	return chunks
}
