// Package cloud streams audio to the hosted realtime transcription service
// over a WebSocket session.
//
// A run cycles through token exchange, dialing, a StartRecognition
// handshake, and streaming. Any failure tears the session down and
// reconnects with jittered exponential backoff while capture frames keep
// draining into a one-second replay ring, so stale audio never piles up
// behind a dead connection. Audio is written only after the server
// acknowledges with RecognitionStarted, and a frame is never sent twice
// across reconnects. Closing the frame channel sends EndOfStream and gives
// the server a short window to flush its remaining finals.
//
// Authentication uses a short-lived bearer token obtained from the
// management API with the long-lived key; a pre-issued JWT skips the
// exchange. Permanently rejected credentials surface as a fatal error so
// the pipeline stops instead of hammering the endpoint.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

const (
	tokenTimeout   = 10 * time.Second
	dialTimeout    = 15 * time.Second
	startTimeout   = 10 * time.Second
	drainWindow    = 3 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	replayWindow   = time.Second

	// maxMessageSize caps inbound server messages. Transcript events with
	// word timings for a long utterance can exceed the library default.
	maxMessageSize = 4 << 20
)

// Config carries the connection parameters for the cloud backend.
type Config struct {
	// APIKey is the long-lived key exchanged for a session token.
	APIKey string

	// JWT is an optional pre-issued session token. When set, the token
	// exchange is skipped and ManagementURL is unused.
	JWT string

	// ConnectionURL is the realtime WebSocket base, e.g.
	// "wss://eu2.rt.speechmatics.com/v2". The language code is appended to
	// its path unless already present.
	ConnectionURL string

	// ManagementURL is the HTTPS base of the token-exchange endpoint, e.g.
	// "https://mp.speechmatics.com".
	ManagementURL string

	// Language is the recognition language code, e.g. "eo".
	Language string

	// SampleRate of the raw pcm_s16le frames the pipeline delivers.
	SampleRate int

	// TokenTTL is the requested lifetime of exchanged tokens in seconds.
	// Zero means one hour.
	TokenTTL int

	// Diarization requests speaker labels on transcripts.
	Diarization bool

	// HTTPClient overrides the client used for the token exchange.
	HTTPClient *http.Client
}

// Backend implements asr.Backend against the hosted realtime API.
type Backend struct {
	cfg    Config
	client *http.Client
	wsURL  string
	region string
}

var _ asr.Backend = (*Backend)(nil)

// New validates cfg and resolves the session URL. The language code is
// appended to the connection path and the billing region is inferred from
// the first host label (eu2.rt.… requests an "eu" token).
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" && cfg.JWT == "" {
		return nil, errors.New("cloud: an API key or a pre-issued JWT is required")
	}
	if cfg.JWT == "" && cfg.ManagementURL == "" {
		return nil, errors.New("cloud: management URL must not be empty when exchanging an API key")
	}
	if cfg.Language == "" {
		return nil, errors.New("cloud: language must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("cloud: sample rate %d must be positive", cfg.SampleRate)
	}
	wsURL, region, err := sessionURL(cfg.ConnectionURL, cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("cloud: invalid connection URL %q: %w", cfg.ConnectionURL, err)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 3600
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: tokenTimeout}
	}
	return &Backend{cfg: cfg, client: client, wsURL: wsURL, region: region}, nil
}

// Run drives the connect/stream/reconnect cycle until ctx is cancelled, the
// input closes, or a fatal error stops the pipeline. See asr.Backend for
// the full contract.
func (b *Backend) Run(ctx context.Context, frames <-chan types.AudioFrame, events chan<- types.TranscriptEvent) error {
	ring := newFrameRing(replayWindow, b.cfg.SampleRate)

	// The pump consumes capture frames in every connection state so the
	// source channel never backs up; the ring keeps at most replayWindow of
	// audio for smoothing the reconnect boundary.
	go func() {
		for f := range frames {
			ring.push(f)
		}
		ring.close()
	}()

	backoff := initialBackoff
	for {
		streamed, err := b.runSession(ctx, ring, events)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case asr.IsFatal(err):
			return err
		}
		if ring.inputClosed() {
			slog.Info("cloud: input ended during a broken session, abandoning", "error", err)
			return nil
		}
		if streamed {
			backoff = initialBackoff
		}
		delay := withJitter(backoff)
		slog.Warn("cloud: session failed, reconnecting", "error", err, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runSession performs one full connection cycle: token exchange, dial,
// StartRecognition handshake, then streaming until the connection breaks or
// the input ends. streamed reports whether the session reached the
// streaming state, which resets the reconnect backoff.
func (b *Backend) runSession(ctx context.Context, ring *frameRing, events chan<- types.TranscriptEvent) (streamed bool, err error) {
	token := b.cfg.JWT
	if token == "" {
		if token, err = b.exchangeToken(ctx); err != nil {
			return false, err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, b.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("cloud: dial realtime endpoint: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	defer conn.Close(websocket.StatusInternalError, "session ended")

	if err := b.startRecognition(ctx, conn); err != nil {
		return false, err
	}

	id, err := asr.NewSessionID()
	if err != nil {
		return false, fmt.Errorf("cloud: generate session id: %w", err)
	}
	slog.Info("cloud: recognition started", "session", id, "language", b.cfg.Language)

	sess := &session{
		conn:      conn,
		ring:      ring,
		events:    events,
		id:        id,
		startedAt: time.Now(),
	}
	return true, sess.stream(ctx)
}

// exchangeToken trades the long-lived API key for a short-lived session
// token. Client errors other than timeouts and throttling mean the key is
// permanently rejected and come back fatal.
func (b *Backend) exchangeToken(ctx context.Context) (string, error) {
	payload, err := json.Marshal(struct {
		TTL    int    `json:"ttl"`
		Region string `json:"region"`
	}{TTL: b.cfg.TokenTTL, Region: b.region})
	if err != nil {
		return "", fmt.Errorf("cloud: encode token request: %w", err)
	}

	endpoint := strings.TrimSuffix(b.cfg.ManagementURL, "/") + "/v1/api_keys?type=rt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("cloud: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud: token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		err := fmt.Errorf("cloud: token exchange: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return "", asr.Fatal("CLOUD_API_KEY", err)
		}
		return "", err
	}

	var body struct {
		KeyValue string `json:"key_value"`
		Token    string `json:"token"`
		JWT      string `json:"jwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("cloud: token exchange: decode response: %w", err)
	}
	for _, token := range []string{body.KeyValue, body.Token, body.JWT} {
		if token != "" {
			return token, nil
		}
	}
	return "", errors.New("cloud: token exchange: response contained no token")
}

// startRecognition sends the StartRecognition message and blocks until the
// server acknowledges. No audio may be written before the acknowledgement.
func (b *Backend) startRecognition(ctx context.Context, conn *websocket.Conn) error {
	type transcriptionConfig struct {
		Language       string `json:"language"`
		EnablePartials bool   `json:"enable_partials"`
		Diarization    string `json:"diarization,omitempty"`
	}
	type audioFormat struct {
		Type       string `json:"type"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	}
	start := struct {
		Message             string              `json:"message"`
		TranscriptionConfig transcriptionConfig `json:"transcription_config"`
		AudioFormat         audioFormat         `json:"audio_format"`
	}{
		Message: "StartRecognition",
		TranscriptionConfig: transcriptionConfig{
			Language:       b.cfg.Language,
			EnablePartials: true,
		},
		AudioFormat: audioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: b.cfg.SampleRate,
		},
	}
	if b.cfg.Diarization {
		start.TranscriptionConfig.Diarization = "speaker"
	}

	payload, err := json.Marshal(start)
	if err != nil {
		return fmt.Errorf("cloud: encode start message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("cloud: send start message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(waitCtx)
		if err != nil {
			return fmt.Errorf("cloud: wait for recognition start: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Message {
		case "RecognitionStarted":
			return nil
		case "Error":
			return classifyServerError(msg)
		case "Warning":
			slog.Warn("cloud: server warning", "type", msg.Type, "reason", msg.Reason)
		default:
			slog.Debug("cloud: ignoring message before recognition start", "message", msg.Message)
		}
	}
}

// session owns one live connection. A read loop parses server events into
// transcript events and a write loop forwards audio from the ring;
// whichever exits first tears the other down.
type session struct {
	conn      *websocket.Conn
	ring      *frameRing
	events    chan<- types.TranscriptEvent
	id        string
	startedAt time.Time

	sent     int // audio chunks written, reported as last_seq_no
	finalSeq int
}

// errEndOfTranscript signals that the server confirmed the end of the
// stream; it marks a clean shutdown, not a failure.
var errEndOfTranscript = errors.New("cloud: end of transcript")

func (s *session) stream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan error, 1)
	go func() { writeDone <- s.writeLoop(ctx) }()
	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop(ctx) }()

	select {
	case err := <-readDone:
		cancel()
		<-writeDone
		if errors.Is(err, errEndOfTranscript) {
			s.close()
			return nil
		}
		return err

	case err := <-writeDone:
		if err != nil {
			cancel()
			<-readDone
			return err
		}
		// Input exhausted and EndOfStream sent: give the server a bounded
		// window to flush the remaining finals.
		drain := time.NewTimer(drainWindow)
		defer drain.Stop()
		select {
		case rerr := <-readDone:
			if !errors.Is(rerr, errEndOfTranscript) {
				slog.Debug("cloud: drain ended early", "error", rerr)
			}
		case <-drain.C:
			slog.Debug("cloud: drain window elapsed before end of transcript")
			cancel()
			<-readDone
		case <-ctx.Done():
			<-readDone
		}
		s.close()
		return nil

	case <-ctx.Done():
		cancel()
		<-writeDone
		<-readDone
		return ctx.Err()
	}
}

func (s *session) close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "session complete")
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("cloud: read: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("cloud: discarding malformed server message", "error", err)
			continue
		}
		switch msg.Message {
		case "AddPartialTranscript":
			s.emit(ctx, msg, types.EventPartial)
		case "AddTranscript":
			s.emit(ctx, msg, types.EventFinal)
		case "AudioAdded":
			// Per-chunk ack, nothing to do.
		case "Warning":
			slog.Warn("cloud: server warning", "type", msg.Type, "reason", msg.Reason)
		case "Error":
			return classifyServerError(msg)
		case "EndOfTranscript":
			return errEndOfTranscript
		default:
			slog.Debug("cloud: ignoring server message", "message", msg.Message)
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		if frame, ok := s.ring.pop(); ok {
			if err := s.conn.Write(ctx, websocket.MessageBinary, frame.PCM); err != nil {
				return fmt.Errorf("cloud: write audio: %w", err)
			}
			s.sent++
			continue
		}
		if s.ring.done() {
			return s.endOfStream(ctx)
		}
		select {
		case <-s.ring.wait():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) endOfStream(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		Message   string `json:"message"`
		LastSeqNo int    `json:"last_seq_no"`
	}{Message: "EndOfStream", LastSeqNo: s.sent})
	if err != nil {
		return fmt.Errorf("cloud: encode end of stream: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("cloud: send end of stream: %w", err)
	}
	return nil
}

func (s *session) emit(ctx context.Context, msg serverMessage, kind types.EventKind) {
	text := strings.TrimSpace(msg.Metadata.Transcript)
	if text == "" {
		return
	}
	ev := types.TranscriptEvent{
		Kind:      kind,
		Text:      text,
		Speaker:   msg.speaker(),
		SessionID: s.id,
	}
	if kind == types.EventFinal {
		s.finalSeq++
		ev.UtteranceID = fmt.Sprintf("%s-%d", s.id, s.finalSeq)
	}
	if start, end, ok := msg.bounds(); ok {
		ev.StartedAt = s.startedAt.Add(start)
		ev.EndedAt = s.startedAt.Add(end)
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// serverMessage is the superset of fields across the realtime server
// events this backend consumes.
type serverMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`

	Metadata struct {
		Transcript string  `json:"transcript"`
		Speaker    string  `json:"speaker"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`

	Results []struct {
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		Alternatives []struct {
			Content string `json:"content"`
			Speaker string `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

// speaker returns the diarization label, preferring utterance metadata over
// the first word's alternative.
func (m serverMessage) speaker() string {
	if m.Metadata.Speaker != "" {
		return m.Metadata.Speaker
	}
	if len(m.Results) > 0 && len(m.Results[0].Alternatives) > 0 {
		return m.Results[0].Alternatives[0].Speaker
	}
	return ""
}

// bounds returns the utterance start and end offsets in audio time,
// falling back to the first and last word when the utterance metadata
// carries no timings.
func (m serverMessage) bounds() (start, end time.Duration, ok bool) {
	if m.Metadata.EndTime > 0 {
		return secs(m.Metadata.StartTime), secs(m.Metadata.EndTime), true
	}
	if n := len(m.Results); n > 0 {
		return secs(m.Results[0].StartTime), secs(m.Results[n-1].EndTime), true
	}
	return 0, 0, false
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// fatalErrorTypes are server error codes that reconnecting cannot fix.
// Anything else is treated as transient.
var fatalErrorTypes = map[string]bool{
	"invalid_api_key": true,
	"not_authorised":  true,
	"quota_exceeded":  true,
}

func classifyServerError(msg serverMessage) error {
	err := fmt.Errorf("cloud: server error %q: %s", msg.Type, msg.Reason)
	if fatalErrorTypes[msg.Type] {
		return asr.Fatal("CLOUD_API_KEY", err)
	}
	return err
}

// sessionURL appends the language code to the connection path and infers
// the billing region from the host. An empty path defaults to /v2.
func sessionURL(raw, language string) (wsURL, region string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", "", fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	path := u.Path
	if path == "" {
		path = "/v2"
	}
	switch {
	case strings.HasSuffix(path, "/"+language):
	case strings.HasSuffix(path, "/"):
		path += language
	default:
		path += "/" + language
	}
	u.Path = path
	return u.String(), regionFromHost(u.Hostname()), nil
}

// regionFromHost maps the first host label to a token region, e.g.
// "eu2.rt.example.com" requests an "eu" token. Unknown hosts fall back to
// "eu".
func regionFromHost(host string) string {
	label, _, _ := strings.Cut(host, ".")
	for _, r := range []string{"eu", "us", "ca", "ap"} {
		if strings.HasPrefix(label, r) {
			return r
		}
	}
	return "eu"
}

// withJitter spreads retries over [d/2, d) so restarting clients do not
// reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d/2 + rand.N(d/2)
}
