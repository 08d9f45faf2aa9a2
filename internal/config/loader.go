package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default returns a Config with every default applied. Cloud endpoints and
// timings follow the hosted realtime API defaults; sinks start disabled
// except the web board.
func Default() *Config {
	return &Config{
		Backend: BackendCloud,
		Audio: AudioConfig{
			DeviceIndex:          -1,
			SampleRate:           16000,
			Channels:             1,
			ChunkSeconds:         0.5,
			CheckIntervalSeconds: 2.0,
		},
		Cloud: CloudConfig{
			ConnectionURL: "wss://eu2.rt.speechmatics.com/v2",
			ManagementURL: "https://mp.speechmatics.com",
			Language:      "eo",
			JWTTTLSeconds: 3600,
			Diarization:   true,
		},
		Local: LocalConfig{
			LargeModelSize: "medium",
			SegmentSeconds: 6.0,
		},
		Translation: TranslationConfig{
			Provider:       TranslateGoogle,
			SourceLanguage: "eo",
			TimeoutSeconds: 8.0,
		},
		Caption: CaptionConfig{
			Enabled:                true,
			MinPostIntervalSeconds: 1.0,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8765,
		},
		Webhook: WebhookConfig{
			Username:             "Esperanto STT",
			FlushIntervalSeconds: 2.0,
			MaxChars:             350,
		},
		Log: LogConfig{
			Level: LogInfo,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (empty path skips the file), then environment overrides,
// then derivation and validation.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is [Load] with a hook applied after the environment layer
// and before derivation and validation. The CLI uses it to fold flag values
// in at the highest precedence.
func LoadWithOverrides(path string, override func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	applyDerived(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDerived(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document is a valid (all defaults) config.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Malformed values are
// reported with their exact key name; all failures are joined.
func ApplyEnv(cfg *Config) error {
	e := &envReader{}

	e.backend(&cfg.Backend, "TRANSCRIPTION_BACKEND")

	e.integer(&cfg.Audio.DeviceIndex, "AUDIO_DEVICE_INDEX")
	e.str(&cfg.Audio.DeviceName, "AUDIO_DEVICE_NAME")
	e.integer(&cfg.Audio.SampleRate, "AUDIO_SAMPLE_RATE")
	e.integer(&cfg.Audio.DeviceSampleRate, "AUDIO_DEVICE_SAMPLE_RATE")
	e.integer(&cfg.Audio.Channels, "AUDIO_CHANNELS")
	e.float(&cfg.Audio.ChunkSeconds, "AUDIO_CHUNK_DURATION_SECONDS")
	e.float(&cfg.Audio.CheckIntervalSeconds, "AUDIO_DEVICE_CHECK_INTERVAL")

	e.str(&cfg.Cloud.APIKey, "CLOUD_API_KEY")
	e.str(&cfg.Cloud.JWT, "CLOUD_JWT")
	e.str(&cfg.Cloud.ConnectionURL, "CLOUD_CONNECTION_URL")
	e.str(&cfg.Cloud.ManagementURL, "CLOUD_MANAGEMENT_URL")
	e.str(&cfg.Cloud.Language, "CLOUD_LANGUAGE")
	e.integer(&cfg.Cloud.JWTTTLSeconds, "CLOUD_JWT_TTL")
	e.boolean(&cfg.Cloud.Diarization, "CLOUD_DIARIZATION")

	e.str(&cfg.Local.ModelPath, "LOCAL_MODEL_PATH")
	e.str(&cfg.Local.LargeModelSize, "LOCAL_LARGE_MODEL_SIZE")

	e.boolean(&cfg.Translation.Enabled, "TRANSLATION_ENABLED")
	e.provider(&cfg.Translation.Provider, "TRANSLATION_PROVIDER")
	e.str(&cfg.Translation.SourceLanguage, "TRANSLATION_SOURCE_LANGUAGE")
	e.langList(&cfg.Translation.Targets, "TRANSLATION_TARGETS")
	e.visibility(&cfg.Translation.DefaultVisibility, "TRANSLATION_DEFAULT_VISIBILITY")
	e.float(&cfg.Translation.TimeoutSeconds, "TRANSLATION_TIMEOUT_SECONDS")
	e.str(&cfg.Translation.APIKey, "TRANSLATION_API_KEY")
	e.str(&cfg.Translation.Model, "TRANSLATION_MODEL")
	e.str(&cfg.Translation.LLMProvider, "TRANSLATION_LLM_PROVIDER")

	e.boolean(&cfg.Caption.Enabled, "CAPTION_ENABLED")
	e.str(&cfg.Caption.PostURL, "CAPTION_POST_URL")
	e.float(&cfg.Caption.MinPostIntervalSeconds, "CAPTION_MIN_POST_INTERVAL_SECONDS")

	e.boolean(&cfg.Transcript.Enabled, "TRANSCRIPT_LOG_ENABLED")
	e.str(&cfg.Transcript.Path, "TRANSCRIPT_LOG_PATH")
	e.str(&cfg.Transcript.DBDSN, "TRANSCRIPT_DB_DSN")

	e.boolean(&cfg.Web.Enabled, "WEB_UI_ENABLED")
	e.str(&cfg.Web.Host, "WEB_UI_HOST")
	e.integer(&cfg.Web.Port, "WEB_UI_PORT")
	e.boolean(&cfg.Web.OpenBrowser, "WEB_UI_OPEN_BROWSER")

	e.boolean(&cfg.Webhook.Enabled, "WEBHOOK_ENABLED")
	e.str(&cfg.Webhook.URL, "WEBHOOK_URL")
	e.str(&cfg.Webhook.Username, "WEBHOOK_USERNAME")
	e.float(&cfg.Webhook.FlushIntervalSeconds, "WEBHOOK_FLUSH_INTERVAL")
	e.integer(&cfg.Webhook.MaxChars, "WEBHOOK_MAX_CHARS")

	e.level(&cfg.Log.Level, "LOG_LEVEL")
	e.str(&cfg.Log.File, "LOG_FILE")

	return errors.Join(e.errs...)
}

// applyDerived fills in values implied by other settings: setting a
// transcript path or translation targets enables the respective feature,
// and an enabled transcript log without a path gets the default file name.
func applyDerived(cfg *Config) {
	if cfg.Transcript.Path != "" {
		cfg.Transcript.Enabled = true
	}
	if cfg.Transcript.Enabled && cfg.Transcript.Path == "" {
		cfg.Transcript.Path = "transcript.log"
	}
	if len(cfg.Translation.Targets) > 0 {
		cfg.Translation.Enabled = true
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("TRANSCRIPTION_BACKEND %q is invalid; valid values: cloud, local_offline, local_large", cfg.Backend))
	}
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Audio geometry
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("AUDIO_SAMPLE_RATE %d is out of range [8000, 96000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.DeviceSampleRate != 0 && (cfg.Audio.DeviceSampleRate < 8000 || cfg.Audio.DeviceSampleRate > 96000) {
		errs = append(errs, fmt.Errorf("AUDIO_DEVICE_SAMPLE_RATE %d is out of range [8000, 96000]", cfg.Audio.DeviceSampleRate))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("AUDIO_CHANNELS must be 1, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.ChunkSeconds <= 0 || cfg.Audio.ChunkSeconds > 5 {
		errs = append(errs, fmt.Errorf("AUDIO_CHUNK_DURATION_SECONDS %.2f is out of range (0, 5]", cfg.Audio.ChunkSeconds))
	}
	if cfg.Audio.CheckIntervalSeconds < 0.5 || cfg.Audio.CheckIntervalSeconds > 10 {
		errs = append(errs, fmt.Errorf("AUDIO_DEVICE_CHECK_INTERVAL %.2f is out of range [0.5, 10]", cfg.Audio.CheckIntervalSeconds))
	}

	// Backend requirements
	switch cfg.Backend {
	case BackendCloud:
		if cfg.Cloud.APIKey == "" && cfg.Cloud.JWT == "" {
			errs = append(errs, errors.New("CLOUD_API_KEY (or a pre-issued CLOUD_JWT) is required when TRANSCRIPTION_BACKEND=cloud"))
		}
		if cfg.Cloud.ConnectionURL == "" {
			errs = append(errs, errors.New("CLOUD_CONNECTION_URL is required when TRANSCRIPTION_BACKEND=cloud"))
		} else if u, err := url.Parse(cfg.Cloud.ConnectionURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("CLOUD_CONNECTION_URL %q must be a ws:// or wss:// URL", cfg.Cloud.ConnectionURL))
		}
		if cfg.Cloud.Language == "" {
			errs = append(errs, errors.New("CLOUD_LANGUAGE is required when TRANSCRIPTION_BACKEND=cloud"))
		}
	case BackendLocalOffline:
		if cfg.Local.ModelPath == "" {
			errs = append(errs, errors.New("LOCAL_MODEL_PATH is required when TRANSCRIPTION_BACKEND=local_offline"))
		}
	case BackendLocalLarge:
		if cfg.Local.ModelPath == "" {
			errs = append(errs, errors.New("LOCAL_MODEL_PATH is required when TRANSCRIPTION_BACKEND=local_large"))
		}
		if cfg.Local.SegmentSeconds < 1 || cfg.Local.SegmentSeconds > 30 {
			errs = append(errs, fmt.Errorf("local.segment_seconds %.2f is out of range [1, 30]", cfg.Local.SegmentSeconds))
		}
	}

	// Translation
	if cfg.Translation.Active() {
		if !cfg.Translation.Provider.IsValid() {
			errs = append(errs, fmt.Errorf("TRANSLATION_PROVIDER %q is invalid; valid values: google, openai, llm", cfg.Translation.Provider))
		}
		if (cfg.Translation.Provider == TranslateGoogle || cfg.Translation.Provider == TranslateOpenAI) && cfg.Translation.APIKey == "" {
			errs = append(errs, fmt.Errorf("TRANSLATION_API_KEY is required when TRANSLATION_PROVIDER=%s", cfg.Translation.Provider))
		}
		if cfg.Translation.Provider == TranslateLLM && cfg.Translation.LLMProvider == "" {
			errs = append(errs, errors.New("TRANSLATION_LLM_PROVIDER is required when TRANSLATION_PROVIDER=llm"))
		}
		if cfg.Translation.TimeoutSeconds < 1 || cfg.Translation.TimeoutSeconds > 60 {
			errs = append(errs, fmt.Errorf("TRANSLATION_TIMEOUT_SECONDS %.2f is out of range [1, 60]", cfg.Translation.TimeoutSeconds))
		}
	} else if cfg.Translation.Enabled {
		slog.Warn("translation is enabled but TRANSLATION_TARGETS is empty; finals will not be translated")
	}

	// Caption sink
	if cfg.Caption.Active() {
		if u, err := url.Parse(cfg.Caption.PostURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("CAPTION_POST_URL %q must be an http(s) URL", cfg.Caption.PostURL))
		}
		if cfg.Caption.MinPostIntervalSeconds < 0.1 || cfg.Caption.MinPostIntervalSeconds > 5 {
			errs = append(errs, fmt.Errorf("CAPTION_MIN_POST_INTERVAL_SECONDS %.2f is out of range [0.1, 5]", cfg.Caption.MinPostIntervalSeconds))
		}
	}

	// Web board
	if cfg.Web.Enabled {
		if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
			errs = append(errs, fmt.Errorf("WEB_UI_PORT %d is out of range [1, 65535]", cfg.Web.Port))
		}
	}

	// Webhook sink
	if cfg.Webhook.Enabled && cfg.Webhook.URL == "" {
		errs = append(errs, errors.New("WEBHOOK_URL is required when WEBHOOK_ENABLED=true"))
	}
	if cfg.Webhook.Active() {
		if _, _, err := ParseWebhookURL(cfg.Webhook.URL); err != nil {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL: %w", err))
		}
		if cfg.Webhook.FlushIntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("WEBHOOK_FLUSH_INTERVAL %.2f must be positive", cfg.Webhook.FlushIntervalSeconds))
		}
		if cfg.Webhook.MaxChars < 1 || cfg.Webhook.MaxChars > 1900 {
			errs = append(errs, fmt.Errorf("WEBHOOK_MAX_CHARS %d is out of range [1, 1900]", cfg.Webhook.MaxChars))
		}
	}

	return errors.Join(errs...)
}

// ParseWebhookURL extracts the id and token from a Discord webhook URL of
// the form https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("not a valid URL: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segs {
		if s == "webhooks" && i+2 < len(segs) {
			return segs[i+1], segs[i+2], nil
		}
	}
	if len(segs) >= 2 && segs[len(segs)-2] != "" {
		return segs[len(segs)-2], segs[len(segs)-1], nil
	}
	return "", "", errors.New("expected .../webhooks/<id>/<token>")
}

// ── environment parsing ──────────────────────────────────────────────────────

// envReader applies typed environment overrides, collecting malformed
// values instead of stopping at the first.
type envReader struct {
	errs []error
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) integer(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: expected an integer, got %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: expected a number, got %q", key, v))
		return
	}
	*dst = f
}

func (e *envReader) boolean(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.errs = append(e.errs, fmt.Errorf("%s: expected a boolean, got %q", key, v))
	}
}

func (e *envReader) backend(dst *Backend, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = Backend(strings.ToLower(strings.TrimSpace(v)))
	}
}

func (e *envReader) provider(dst *TranslationProvider, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = TranslationProvider(strings.ToLower(strings.TrimSpace(v)))
	}
}

func (e *envReader) level(dst *LogLevel, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
}

// langList parses a comma- or semicolon-separated list of language codes.
func (e *envReader) langList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	*dst = splitLangList(v)
}

func splitLangList(v string) []string {
	var out []string
	for _, part := range strings.Split(strings.ReplaceAll(v, ";", ","), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// visibility parses entries like "ja:true,en:false"; a bare code means true.
func (e *envReader) visibility(dst *map[string]bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	m := make(map[string]bool)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lang, state, found := strings.Cut(entry, ":")
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if !found {
			m[lang] = true
			continue
		}
		switch strings.ToLower(strings.TrimSpace(state)) {
		case "1", "true", "yes", "on":
			m[lang] = true
		case "0", "false", "no", "off":
			m[lang] = false
		default:
			e.errs = append(e.errs, fmt.Errorf("%s: entry %q should be <lang>:<bool>", key, entry))
		}
	}
	*dst = m
}
