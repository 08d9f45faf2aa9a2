package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted *websocket.Conn; the server closes when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func sendRecognitionStarted(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"message": "RecognitionStarted", "id": "rt-test"})
}

// pcmFrame builds a mono 16 kHz frame of ms milliseconds.
func pcmFrame(idx uint64, ms int) types.AudioFrame {
	return types.AudioFrame{
		PCM:        make([]byte, 16000*2*ms/1000),
		SampleRate: 16000,
		Channels:   1,
		Index:      idx,
		CapturedAt: time.Now(),
	}
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		JWT:           "test-jwt",
		ConnectionURL: wsURL(srv),
		Language:      "eo",
		SampleRate:    16000,
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

// startMessage mirrors the client handshake for assertions.
type startMessage struct {
	Message             string `json:"message"`
	TranscriptionConfig struct {
		Language       string `json:"language"`
		EnablePartials bool   `json:"enable_partials"`
		Diarization    string `json:"diarization"`
	} `json:"transcription_config"`
	AudioFormat struct {
		Type       string `json:"type"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio_format"`
}

// ── Session URL tests ─────────────────────────────────────────────────────────

func TestSessionURL_AppendsLanguage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw, want string
	}{
		{"wss://eu2.rt.example.com/v2", "wss://eu2.rt.example.com/v2/eo"},
		{"wss://eu2.rt.example.com", "wss://eu2.rt.example.com/v2/eo"},
		{"wss://eu2.rt.example.com/v2/", "wss://eu2.rt.example.com/v2/eo"},
		{"wss://eu2.rt.example.com/v2/eo", "wss://eu2.rt.example.com/v2/eo"},
		{"ws://localhost:9000/custom", "ws://localhost:9000/custom/eo"},
	}
	for _, tc := range cases {
		got, _, err := sessionURL(tc.raw, "eo")
		if err != nil {
			t.Fatalf("sessionURL(%q): %v", tc.raw, err)
		}
		assertEqual(t, tc.raw, tc.want, got)
	}
}

func TestSessionURL_RejectsHTTPScheme(t *testing.T) {
	t.Parallel()
	if _, _, err := sessionURL("https://eu2.rt.example.com/v2", "eo"); err == nil {
		t.Error("expected error for non-WebSocket scheme")
	}
}

func TestRegionFromHost(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"eu2.rt.example.com":          "eu",
		"usw1.rt.example.com":         "us",
		"ca1.rt.example.com":          "ca",
		"ap-southeast.rt.example.com": "ap",
		"rt.example.com":              "eu",
		"127.0.0.1":                   "eu",
	}
	for host, want := range cases {
		assertEqual(t, host, want, regionFromHost(host))
	}
}

// ── Constructor tests ─────────────────────────────────────────────────────────

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err == nil {
		t.Error("expected error without API key or JWT")
	}
}

func TestNew_KeyNeedsManagementURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{APIKey: "k", ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err == nil {
		t.Error("expected error for API key without management URL")
	}
}

func TestNew_JWTSkipsManagementURL(t *testing.T) {
	t.Parallel()
	b, err := New(Config{JWT: "j", ConnectionURL: "wss://eu2.h/v2", Language: "eo", SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "wsURL", "wss://eu2.h/v2/eo", b.wsURL)
	assertEqual(t, "region", "eu", b.region)
}

func TestNew_RequiresLanguage(t *testing.T) {
	t.Parallel()
	_, err := New(Config{JWT: "j", ConnectionURL: "wss://h/v2", SampleRate: 16000})
	if err == nil {
		t.Error("expected error for empty language")
	}
}

func TestNew_RequiresSampleRate(t *testing.T) {
	t.Parallel()
	_, err := New(Config{JWT: "j", ConnectionURL: "wss://h/v2", Language: "eo"})
	if err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestNew_DefaultsTokenTTL(t *testing.T) {
	t.Parallel()
	b, err := New(Config{JWT: "j", ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.cfg.TokenTTL != 3600 {
		t.Errorf("TokenTTL = %d; want 3600", b.cfg.TokenTTL)
	}
}

// ── Token exchange tests ──────────────────────────────────────────────────────

func TestExchangeToken_SendsKeyAndRegion(t *testing.T) {
	t.Parallel()

	type captured struct {
		path, query, auth string
		body              map[string]any
	}
	reqCh := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		reqCh <- captured{path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization"), body: body}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key_value":"short-lived"}`))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{
		APIKey:        "long-key",
		ManagementURL: srv.URL,
		ConnectionURL: "wss://us1.rt.example.com/v2",
		Language:      "eo",
		SampleRate:    16000,
		TokenTTL:      120,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := b.exchangeToken(context.Background())
	if err != nil {
		t.Fatalf("exchangeToken: %v", err)
	}
	assertEqual(t, "token", "short-lived", token)

	req := <-reqCh
	assertEqual(t, "path", "/v1/api_keys", req.path)
	assertEqual(t, "query", "type=rt", req.query)
	assertEqual(t, "auth", "Bearer long-key", req.auth)
	if ttl, _ := req.body["ttl"].(float64); ttl != 120 {
		t.Errorf("ttl = %v; want 120", req.body["ttl"])
	}
	if region, _ := req.body["region"].(string); region != "us" {
		t.Errorf("region = %v; want us", req.body["region"])
	}
}

func TestExchangeToken_FallsBackToTokenField(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"alt-token"}`))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{APIKey: "k", ManagementURL: srv.URL, ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, err := b.exchangeToken(context.Background())
	if err != nil {
		t.Fatalf("exchangeToken: %v", err)
	}
	assertEqual(t, "token", "alt-token", token)
}

func TestExchangeToken_RejectedKeyIsFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{APIKey: "bad", ManagementURL: srv.URL, ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = b.exchangeToken(context.Background())
	if !asr.IsFatal(err) {
		t.Fatalf("expected fatal error for HTTP 401, got %v", err)
	}
	var fe *asr.FatalError
	if errors.As(err, &fe) && fe.Reason != "CLOUD_API_KEY" {
		t.Errorf("reason = %q; want CLOUD_API_KEY", fe.Reason)
	}
}

func TestExchangeToken_ThrottlingIsTransient(t *testing.T) {
	t.Parallel()
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "try later", status)
		}))
		b, err := New(Config{APIKey: "k", ManagementURL: srv.URL, ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		_, err = b.exchangeToken(context.Background())
		srv.Close()
		if err == nil {
			t.Fatalf("HTTP %d: expected error", status)
		}
		if asr.IsFatal(err) {
			t.Errorf("HTTP %d should be transient, got fatal %v", status, err)
		}
	}
}

func TestExchangeToken_EmptyResponseErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{APIKey: "k", ManagementURL: srv.URL, ConnectionURL: "wss://h/v2", Language: "eo", SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.exchangeToken(context.Background()); err == nil || !strings.Contains(err.Error(), "no token") {
		t.Errorf("expected no-token error, got %v", err)
	}
}

// ── Server message parsing tests ──────────────────────────────────────────────

func TestServerMessage_SpeakerPrecedence(t *testing.T) {
	t.Parallel()
	var withBoth serverMessage
	raw := `{"metadata":{"speaker":"S1"},"results":[{"alternatives":[{"content":"x","speaker":"S9"}]}]}`
	if err := json.Unmarshal([]byte(raw), &withBoth); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, "metadata wins", "S1", withBoth.speaker())

	var resultsOnly serverMessage
	raw = `{"results":[{"alternatives":[{"content":"x","speaker":"S9"}]}]}`
	if err := json.Unmarshal([]byte(raw), &resultsOnly); err != nil {
		t.Fatal(err)
	}
	assertEqual(t, "results fallback", "S9", resultsOnly.speaker())

	var none serverMessage
	assertEqual(t, "no speaker", "", none.speaker())
}

func TestServerMessage_Bounds(t *testing.T) {
	t.Parallel()
	var fromMetadata serverMessage
	raw := `{"metadata":{"start_time":0.5,"end_time":2.0},"results":[{"start_time":9,"end_time":9}]}`
	if err := json.Unmarshal([]byte(raw), &fromMetadata); err != nil {
		t.Fatal(err)
	}
	start, end, ok := fromMetadata.bounds()
	if !ok || start != 500*time.Millisecond || end != 2*time.Second {
		t.Errorf("metadata bounds = (%v, %v, %v)", start, end, ok)
	}

	var fromResults serverMessage
	raw = `{"results":[{"start_time":0.1,"end_time":0.4},{"start_time":0.5,"end_time":1.0}]}`
	if err := json.Unmarshal([]byte(raw), &fromResults); err != nil {
		t.Fatal(err)
	}
	start, end, ok = fromResults.bounds()
	if !ok || start != 100*time.Millisecond || end != time.Second {
		t.Errorf("results bounds = (%v, %v, %v)", start, end, ok)
	}

	var none serverMessage
	if _, _, ok := none.bounds(); ok {
		t.Error("expected ok=false without timings")
	}
}

func TestClassifyServerError(t *testing.T) {
	t.Parallel()
	for _, typ := range []string{"invalid_api_key", "not_authorised", "quota_exceeded"} {
		err := classifyServerError(serverMessage{Message: "Error", Type: typ, Reason: "nope"})
		if !asr.IsFatal(err) {
			t.Errorf("type %q should be fatal", typ)
		}
	}
	err := classifyServerError(serverMessage{Message: "Error", Type: "job_error", Reason: "transient"})
	if asr.IsFatal(err) {
		t.Error("job_error should be transient")
	}
	if !strings.Contains(err.Error(), "job_error") {
		t.Errorf("error %q should name the server error type", err)
	}
}

// ── Frame ring tests ──────────────────────────────────────────────────────────

func TestRing_FIFO(t *testing.T) {
	t.Parallel()
	r := newFrameRing(time.Second, 16000)
	for i := uint64(0); i < 3; i++ {
		r.push(pcmFrame(i, 100))
	}
	for i := uint64(0); i < 3; i++ {
		f, ok := r.pop()
		if !ok || f.Index != i {
			t.Fatalf("pop %d = (%v, %v)", i, f.Index, ok)
		}
	}
	if _, ok := r.pop(); ok {
		t.Error("pop on empty ring should report false")
	}
}

func TestRing_DropsOldestBeyondWindow(t *testing.T) {
	t.Parallel()
	r := newFrameRing(time.Second, 16000)
	// Five 250 ms frames exceed the one-second window by exactly one frame.
	for i := uint64(0); i < 5; i++ {
		r.push(pcmFrame(i, 250))
	}
	f, ok := r.pop()
	if !ok || f.Index != 1 {
		t.Fatalf("expected oldest surviving frame 1, got (%v, %v)", f.Index, ok)
	}
	count := 1
	for {
		if _, ok := r.pop(); !ok {
			break
		}
		count++
	}
	if count != 4 {
		t.Errorf("ring held %d frames; want 4", count)
	}
}

func TestRing_CloseAndDone(t *testing.T) {
	t.Parallel()
	r := newFrameRing(time.Second, 16000)
	r.push(pcmFrame(0, 100))
	r.close()

	if !r.inputClosed() {
		t.Error("inputClosed should be true after close")
	}
	if r.done() {
		t.Error("done should be false while a frame remains")
	}
	if _, ok := r.pop(); !ok {
		t.Fatal("buffered frame should remain poppable after close")
	}
	if !r.done() {
		t.Error("done should be true once closed and empty")
	}
}

func TestRing_WaitSignaledOnPushAndClose(t *testing.T) {
	t.Parallel()
	r := newFrameRing(time.Second, 16000)
	r.push(pcmFrame(0, 100))
	select {
	case <-r.wait():
	default:
		t.Fatal("wait should be signaled after push")
	}

	r2 := newFrameRing(time.Second, 16000)
	r2.close()
	select {
	case <-r2.wait():
	default:
		t.Fatal("wait should be signaled after close")
	}
}

// ── Streaming tests ───────────────────────────────────────────────────────────

func TestRun_StreamsAndDrains(t *testing.T) {
	t.Parallel()

	type endOfStream struct {
		Message   string `json:"message"`
		LastSeqNo int    `json:"last_seq_no"`
	}

	pathCh := make(chan string, 1)
	authCh := make(chan string, 1)
	startCh := make(chan startMessage, 1)
	eosCh := make(chan endOfStream, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		pathCh <- r.URL.Path
		authCh <- r.Header.Get("Authorization")

		var start startMessage
		readJSON(t, conn, &start)
		startCh <- start
		sendRecognitionStarted(t, conn)

		for i := 0; i < 2; i++ {
			typ, _, err := conn.Read(context.Background())
			if err != nil {
				t.Errorf("read audio %d: %v", i, err)
				return
			}
			if typ != websocket.MessageBinary {
				t.Errorf("audio %d arrived as %v; want binary", i, typ)
				return
			}
		}

		writeJSON(t, conn, map[string]any{
			"message":  "AddPartialTranscript",
			"metadata": map[string]any{"transcript": "saluton"},
		})
		writeJSON(t, conn, map[string]any{
			"message": "AddTranscript",
			"metadata": map[string]any{
				"transcript": "Saluton, mondo.",
				"speaker":    "S1",
				"start_time": 0.2,
				"end_time":   1.4,
			},
		})

		var eos endOfStream
		readJSON(t, conn, &eos)
		eosCh <- eos
		writeJSON(t, conn, map[string]any{"message": "EndOfTranscript"})
	})

	cfg := testConfig(srv)
	cfg.Diarization = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := make(chan types.AudioFrame, 2)
	frames <- pcmFrame(0, 100)
	frames <- pcmFrame(1, 100)
	close(frames)

	events := make(chan types.TranscriptEvent, 8)
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(context.Background(), frames, events) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	assertEqual(t, "path", "/v2/eo", <-pathCh)
	assertEqual(t, "auth", "Bearer test-jwt", <-authCh)

	start := <-startCh
	assertEqual(t, "message", "StartRecognition", start.Message)
	assertEqual(t, "language", "eo", start.TranscriptionConfig.Language)
	assertEqual(t, "diarization", "speaker", start.TranscriptionConfig.Diarization)
	if !start.TranscriptionConfig.EnablePartials {
		t.Error("enable_partials should be true")
	}
	assertEqual(t, "audio type", "raw", start.AudioFormat.Type)
	assertEqual(t, "encoding", "pcm_s16le", start.AudioFormat.Encoding)
	if start.AudioFormat.SampleRate != 16000 {
		t.Errorf("sample_rate = %d; want 16000", start.AudioFormat.SampleRate)
	}

	if eos := <-eosCh; eos.LastSeqNo != 2 {
		t.Errorf("last_seq_no = %d; want 2", eos.LastSeqNo)
	}

	var got []types.TranscriptEvent
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != types.EventPartial || got[0].Text != "saluton" {
		t.Errorf("first event = %+v; want partial 'saluton'", got[0])
	}
	final := got[1]
	if final.Kind != types.EventFinal {
		t.Fatalf("second event kind = %v; want final", final.Kind)
	}
	assertEqual(t, "final text", "Saluton, mondo.", final.Text)
	assertEqual(t, "speaker", "S1", final.Speaker)
	if final.UtteranceID == "" {
		t.Error("final should carry an utterance id")
	}
	if final.SessionID == "" || final.SessionID != got[0].SessionID {
		t.Errorf("session ids differ: %q vs %q", got[0].SessionID, final.SessionID)
	}
	if final.StartedAt.IsZero() || final.EndedAt.IsZero() {
		t.Error("final should carry utterance bounds")
	}
	if d := final.EndedAt.Sub(final.StartedAt); d != 1200*time.Millisecond {
		t.Errorf("utterance spans %v; want 1.2s", d)
	}
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		n := conns.Add(1)
		var start startMessage
		readJSON(t, conn, &start)
		sendRecognitionStarted(t, conn)

		if n == 1 {
			// Take one frame, then drop the connection mid-stream.
			_, _, _ = conn.Read(context.Background())
			return
		}

		sentFinal := false
		for {
			typ, _, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				if !sentFinal {
					sentFinal = true
					writeJSON(t, conn, map[string]any{
						"message":  "AddTranscript",
						"metadata": map[string]any{"transcript": "Rekonektita."},
					})
				}
				continue
			}
			writeJSON(t, conn, map[string]any{"message": "EndOfTranscript"})
			return
		}
	})

	b, err := New(testConfig(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := make(chan types.AudioFrame, 8)
	events := make(chan types.TranscriptEvent, 32)
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(context.Background(), frames, events) }()

	// Keep feeding audio until the reconnected session produces its final.
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		var idx uint64
		for {
			select {
			case <-tick.C:
				frames <- pcmFrame(idx, 100)
				idx++
			case <-stop:
				close(frames)
				return
			}
		}
	}()

	var final types.TranscriptEvent
	deadline := time.After(10 * time.Second)
waitFinal:
	for {
		select {
		case ev := <-events:
			if ev.Kind == types.EventFinal {
				final = ev
				break waitFinal
			}
		case <-deadline:
			t.Fatal("timeout waiting for final after reconnect")
		}
	}
	close(stop)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	if got := conns.Load(); got < 2 {
		t.Errorf("server saw %d connections; want at least 2", got)
	}
	assertEqual(t, "final text", "Rekonektita.", final.Text)
}

func TestRun_FatalServerErrorStopsRun(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var start startMessage
		readJSON(t, conn, &start)
		writeJSON(t, conn, map[string]any{
			"message": "Error",
			"type":    "not_authorised",
			"reason":  "token rejected",
		})
	})

	b, err := New(testConfig(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := make(chan types.AudioFrame, 1)
	defer close(frames)
	events := make(chan types.TranscriptEvent, 8)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(context.Background(), frames, events) }()

	select {
	case err := <-runDone:
		if !asr.IsFatal(err) {
			t.Fatalf("expected fatal error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to stop on fatal error")
	}
}

func TestRun_CancelReturnsNil(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var start startMessage
		readJSON(t, conn, &start)
		sendRecognitionStarted(t, conn)
		started <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	b, err := New(testConfig(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan types.AudioFrame, 1)
	defer close(frames)
	events := make(chan types.TranscriptEvent, 8)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx, frames, events) }()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to start")
	}
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run after cancel = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Run to return after cancel")
	}
}
