// Package config provides the configuration schema, loader, and backend
// registry for the transcription pipeline. Settings come from the
// environment, optionally layered over a YAML file; environment variables
// always win over file values.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the pipeline process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Backend selects which speech recognizer drives the pipeline.
type Backend string

const (
	// BackendCloud streams audio to the hosted realtime WebSocket API.
	BackendCloud Backend = "cloud"

	// BackendLocalOffline runs the small offline Vosk model.
	BackendLocalOffline Backend = "local_offline"

	// BackendLocalLarge runs the large local whisper.cpp model.
	BackendLocalLarge Backend = "local_large"

	// BackendMock replays a scripted event sequence; used for wiring checks
	// and tests.
	BackendMock Backend = "mock"
)

// IsValid reports whether b is a recognised backend name.
func (b Backend) IsValid() bool {
	switch b {
	case BackendCloud, BackendLocalOffline, BackendLocalLarge, BackendMock:
		return true
	}
	return false
}

// TranslationProvider selects which service translates final transcripts.
type TranslationProvider string

const (
	// TranslateGoogle uses the Google Cloud Translation v2 REST API.
	TranslateGoogle TranslationProvider = "google"

	// TranslateOpenAI uses an OpenAI chat model with a translation prompt.
	TranslateOpenAI TranslationProvider = "openai"

	// TranslateLLM routes through any-llm to a configurable model backend.
	TranslateLLM TranslationProvider = "llm"
)

// IsValid reports whether p is a recognised translation provider.
func (p TranslationProvider) IsValid() bool {
	switch p {
	case TranslateGoogle, TranslateOpenAI, TranslateLLM:
		return true
	}
	return false
}

// Config is the root configuration structure for the pipeline.
// It is typically built by [Load]; [Default] supplies every default value.
type Config struct {
	// Backend selects the recognizer (TRANSCRIPTION_BACKEND).
	Backend Backend `yaml:"backend"`

	Audio       AudioConfig       `yaml:"audio"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Local       LocalConfig       `yaml:"local"`
	Translation TranslationConfig `yaml:"translation"`
	Caption     CaptionConfig     `yaml:"caption"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Web         WebConfig         `yaml:"web"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Log         LogConfig         `yaml:"log"`
}

// AudioConfig describes the capture device and frame geometry.
type AudioConfig struct {
	// DeviceIndex pins capture to a fixed device index; -1 follows the
	// platform default device (AUDIO_DEVICE_INDEX).
	DeviceIndex int `yaml:"device_index"`

	// DeviceName pins capture to the first device whose name contains this
	// substring, case-insensitively. Only consulted when DeviceIndex is -1
	// (AUDIO_DEVICE_NAME).
	DeviceName string `yaml:"device_name"`

	// SampleRate is the pipeline rate in Hz; recognizers consume audio at
	// this rate (AUDIO_SAMPLE_RATE).
	SampleRate int `yaml:"sample_rate"`

	// DeviceSampleRate is the native device rate; 0 means same as
	// SampleRate. Capture resamples to the pipeline rate
	// (AUDIO_DEVICE_SAMPLE_RATE).
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// Channels is the pipeline channel count and must be 1 (AUDIO_CHANNELS).
	Channels int `yaml:"channels"`

	// ChunkSeconds is the duration of one emitted frame
	// (AUDIO_CHUNK_DURATION_SECONDS).
	ChunkSeconds float64 `yaml:"chunk_seconds"`

	// CheckIntervalSeconds is how often the supervisor re-evaluates the
	// bound device (AUDIO_DEVICE_CHECK_INTERVAL).
	CheckIntervalSeconds float64 `yaml:"device_check_interval"`
}

// ChunkDuration returns the frame duration.
func (a AudioConfig) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkSeconds * float64(time.Second))
}

// CheckInterval returns the device supervisor interval.
func (a AudioConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalSeconds * float64(time.Second))
}

// NativeSampleRate returns the rate the device is opened at.
func (a AudioConfig) NativeSampleRate() int {
	if a.DeviceSampleRate > 0 {
		return a.DeviceSampleRate
	}
	return a.SampleRate
}

// CloudConfig holds credentials and endpoints for the cloud backend.
type CloudConfig struct {
	// APIKey is the long-lived key exchanged for a session token
	// (CLOUD_API_KEY).
	APIKey string `yaml:"api_key"`

	// JWT is an optional pre-issued session token; when set, the token
	// exchange is skipped (CLOUD_JWT).
	JWT string `yaml:"jwt"`

	// ConnectionURL is the realtime WebSocket base URL; the language code is
	// appended to its path (CLOUD_CONNECTION_URL).
	ConnectionURL string `yaml:"connection_url"`

	// ManagementURL is the HTTPS base of the token-exchange endpoint
	// (CLOUD_MANAGEMENT_URL).
	ManagementURL string `yaml:"management_url"`

	// Language is the recognition language code (CLOUD_LANGUAGE).
	Language string `yaml:"language"`

	// JWTTTLSeconds is the requested lifetime of exchanged tokens
	// (CLOUD_JWT_TTL).
	JWTTTLSeconds int `yaml:"jwt_ttl_seconds"`

	// Diarization enables speaker labels on transcripts (CLOUD_DIARIZATION).
	Diarization bool `yaml:"diarization"`
}

// LocalConfig configures both local recognizers.
type LocalConfig struct {
	// ModelPath is the Vosk model directory, or the whisper.cpp model file
	// or directory, depending on the selected backend (LOCAL_MODEL_PATH).
	ModelPath string `yaml:"model_path"`

	// LargeModelSize names the whisper model when ModelPath is a directory:
	// ggml-<size>.bin is loaded from it (LOCAL_LARGE_MODEL_SIZE).
	LargeModelSize string `yaml:"large_model_size"`

	// SegmentSeconds is the decode window of the large local backend.
	SegmentSeconds float64 `yaml:"segment_seconds"`
}

// SegmentDuration returns the whisper decode window.
func (l LocalConfig) SegmentDuration() time.Duration {
	return time.Duration(l.SegmentSeconds * float64(time.Second))
}

// TranslationConfig configures translation of final transcripts.
type TranslationConfig struct {
	// Enabled turns translation on; configuring targets implies it
	// (TRANSLATION_ENABLED).
	Enabled bool `yaml:"enabled"`

	// Provider selects the translation service (TRANSLATION_PROVIDER).
	Provider TranslationProvider `yaml:"provider"`

	// SourceLanguage is the language finals arrive in
	// (TRANSLATION_SOURCE_LANGUAGE).
	SourceLanguage string `yaml:"source_language"`

	// Targets lists language codes every final is translated into
	// (TRANSLATION_TARGETS, comma separated).
	Targets []string `yaml:"targets"`

	// DefaultVisibility maps a target language to whether the web board
	// shows it initially (TRANSLATION_DEFAULT_VISIBILITY, entries like
	// "ja:true" or bare codes meaning true).
	DefaultVisibility map[string]bool `yaml:"default_visibility"`

	// TimeoutSeconds bounds each translation call
	// (TRANSLATION_TIMEOUT_SECONDS).
	TimeoutSeconds float64 `yaml:"timeout_seconds"`

	// APIKey authenticates the openai and llm providers
	// (TRANSLATION_API_KEY).
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default model (TRANSLATION_MODEL).
	Model string `yaml:"model"`

	// LLMProvider is the any-llm backend name when Provider is llm, e.g.
	// "anthropic" or "ollama" (TRANSLATION_LLM_PROVIDER).
	LLMProvider string `yaml:"llm_provider"`
}

// Timeout returns the per-call translation deadline.
func (t TranslationConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds * float64(time.Second))
}

// Active reports whether the pipeline should translate finals.
func (t TranslationConfig) Active() bool {
	return t.Enabled && len(t.Targets) > 0
}

// CaptionConfig configures the closed-caption POST sink.
type CaptionConfig struct {
	// Enabled gates the sink; without a PostURL it stays off regardless
	// (CAPTION_ENABLED).
	Enabled bool `yaml:"enabled"`

	// PostURL is the caption ingestion URL handed out by the meeting host
	// (CAPTION_POST_URL).
	PostURL string `yaml:"post_url"`

	// MinPostIntervalSeconds is the minimum spacing between posts; queued
	// finals coalesce while waiting (CAPTION_MIN_POST_INTERVAL_SECONDS).
	MinPostIntervalSeconds float64 `yaml:"min_post_interval_seconds"`
}

// Interval returns the minimum spacing between caption posts.
func (c CaptionConfig) Interval() time.Duration {
	return time.Duration(c.MinPostIntervalSeconds * float64(time.Second))
}

// Active reports whether captions should be posted.
func (c CaptionConfig) Active() bool {
	return c.Enabled && c.PostURL != ""
}

// TranscriptConfig configures transcript persistence.
type TranscriptConfig struct {
	// Enabled turns on the append-only transcript file; setting Path implies
	// it (TRANSCRIPT_LOG_ENABLED).
	Enabled bool `yaml:"enabled"`

	// Path is the transcript file location (TRANSCRIPT_LOG_PATH).
	Path string `yaml:"path"`

	// DBDSN optionally archives finals to Postgres; empty disables the
	// archive (TRANSCRIPT_DB_DSN).
	DBDSN string `yaml:"db_dsn"`
}

// Active reports whether the transcript file sink is on.
func (t TranscriptConfig) Active() bool {
	return t.Enabled && t.Path != ""
}

// WebConfig configures the local web caption board.
type WebConfig struct {
	// Enabled serves the board and WebSocket feed (WEB_UI_ENABLED).
	Enabled bool `yaml:"enabled"`

	// Host is the bind address (WEB_UI_HOST).
	Host string `yaml:"host"`

	// Port is the fixed listen port; a bind failure is fatal (WEB_UI_PORT).
	Port int `yaml:"port"`

	// OpenBrowser opens the board in the default browser once listening
	// (WEB_UI_OPEN_BROWSER).
	OpenBrowser bool `yaml:"open_browser"`
}

// Addr returns the host:port listen address.
func (w WebConfig) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// URL returns the browsable base URL of the board.
func (w WebConfig) URL() string {
	host := w.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(w.Port)) + "/"
}

// WebhookConfig configures the Discord webhook sink.
type WebhookConfig struct {
	// Enabled gates the sink (WEBHOOK_ENABLED).
	Enabled bool `yaml:"enabled"`

	// URL is the full Discord webhook URL including id and token
	// (WEBHOOK_URL).
	URL string `yaml:"url"`

	// Username is the display name messages post under (WEBHOOK_USERNAME).
	Username string `yaml:"username"`

	// FlushIntervalSeconds is the idle time before a batch flushes
	// (WEBHOOK_FLUSH_INTERVAL).
	FlushIntervalSeconds float64 `yaml:"flush_interval_seconds"`

	// MaxChars flushes a batch early once its formatted size reaches this
	// many characters (WEBHOOK_MAX_CHARS).
	MaxChars int `yaml:"max_chars"`
}

// FlushInterval returns the batch idle flush interval.
func (w WebhookConfig) FlushInterval() time.Duration {
	return time.Duration(w.FlushIntervalSeconds * float64(time.Second))
}

// Active reports whether finals should be forwarded to the webhook.
func (w WebhookConfig) Active() bool {
	return w.Enabled && w.URL != ""
}

// LogConfig configures process-wide structured logging.
type LogConfig struct {
	// Level is the minimum level emitted (LOG_LEVEL).
	Level LogLevel `yaml:"level"`

	// File redirects log output from stderr to an append-opened file
	// (LOG_FILE).
	File string `yaml:"file"`
}

// redacted replaces secret material in masked output.
const redacted = "***redacted***"

// Masked returns a deep copy of c with secret material replaced, suitable
// for --show-config output and debug logging.
func (c *Config) Masked() *Config {
	m := *c
	m.Translation.Targets = append([]string(nil), c.Translation.Targets...)
	if c.Translation.DefaultVisibility != nil {
		m.Translation.DefaultVisibility = make(map[string]bool, len(c.Translation.DefaultVisibility))
		for k, v := range c.Translation.DefaultVisibility {
			m.Translation.DefaultVisibility[k] = v
		}
	}
	m.Cloud.APIKey = maskSecret(c.Cloud.APIKey)
	m.Cloud.JWT = maskSecret(c.Cloud.JWT)
	m.Translation.APIKey = maskSecret(c.Translation.APIKey)
	m.Webhook.URL = maskWebhookURL(c.Webhook.URL)
	m.Transcript.DBDSN = maskDSN(c.Transcript.DBDSN)
	return &m
}

// Dump writes cfg as YAML with secrets masked.
func Dump(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Masked()); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return enc.Close()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// maskWebhookURL hides the trailing token segment of a webhook URL while
// keeping the webhook id visible for troubleshooting.
func maskWebhookURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 {
		return redacted
	}
	segs[len(segs)-1] = redacted
	u.Path = "/" + strings.Join(segs, "/")
	return u.String()
}

// maskDSN hides the password of a connection string.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), redacted)
			return u.String()
		}
		return dsn
	}
	if strings.Contains(dsn, "password=") {
		return redacted
	}
	return dsn
}
