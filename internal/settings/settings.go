// Package settings loads and publishes the process configuration.
//
// Settings are a process-wide immutable snapshot rather than a single
// mutable pointer every reader dereferences directly: Publisher holds an
// atomic.Pointer[Settings] and callers take a snapshot once per request or
// operation. Updating settings builds a brand new Settings value and swaps
// it in atomically, then makes it available on the Updates channel.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// MQTT holds broker connection coordinates and credentials.
type MQTT struct {
	Broker        string `json:"broker" mapstructure:"broker"`
	NVRTopic      string `json:"nvr_topic" mapstructure:"nvr_topic"`
	AudioTopic    string `json:"audio_topic" mapstructure:"audio_topic"`
	Username      string `json:"username" mapstructure:"username"`
	Password      string `json:"password" mapstructure:"password"`
	ClientIDBase  string `json:"client_id_base" mapstructure:"client_id_base"`
}

// Frigate holds the outbound NVR connection.
type Frigate struct {
	URL        string `json:"url" mapstructure:"url"`
	AuthToken  string `json:"auth_token" mapstructure:"auth_token"`
	Cameras    []string `json:"cameras" mapstructure:"cameras"`
}

// Detection holds Detection Processor thresholds and policy knobs.
type Detection struct {
	TrustFrigateSublabel        bool     `json:"trust_frigate_sublabel" mapstructure:"trust_frigate_sublabel"`
	FastPathFallback            bool     `json:"fast_path_fallback" mapstructure:"fast_path_fallback"`
	ClassificationThreshold     float64  `json:"classification_threshold" mapstructure:"classification_threshold"`
	MinConfidence               float64  `json:"min_confidence" mapstructure:"min_confidence"`
	BlockedLabels                []string `json:"blocked_labels" mapstructure:"blocked_labels"`
	AudioCorrelationWindowSeconds int    `json:"audio_correlation_window_seconds" mapstructure:"audio_correlation_window_seconds"`
	AudioConfirmScore            float64 `json:"audio_confirm_score" mapstructure:"audio_confirm_score"`
	AudioBufferHours              int    `json:"audio_buffer_hours" mapstructure:"audio_buffer_hours"`
	WorkerPoolSize                int    `json:"worker_pool_size" mapstructure:"worker_pool_size"` // 0 => CPU count, resolved at startup
}

// Media holds Media Proxy / Media Cache policy.
type Media struct {
	ClipsEnabled       bool    `json:"clips_enabled" mapstructure:"clips_enabled"`
	CacheDir           string  `json:"cache_dir" mapstructure:"cache_dir"`
	RetentionDays      int     `json:"retention_days" mapstructure:"retention_days"`
	MaxCacheSizeBytes  int64   `json:"max_cache_size_bytes" mapstructure:"max_cache_size_bytes"`
	UpstreamTimeout    time.Duration `json:"upstream_timeout" mapstructure:"upstream_timeout"`
	PublicHistoryWindow time.Duration `json:"public_history_window" mapstructure:"public_history_window"`
	GuestAllowedCameras []string `json:"guest_allowed_cameras" mapstructure:"guest_allowed_cameras"`
}

// Reclassify holds Deep Video Reclassifier policy.
type Reclassify struct {
	MaxFrames        int           `json:"max_frames" mapstructure:"max_frames"`
	JobDeadline      time.Duration `json:"job_deadline" mapstructure:"job_deadline"`
	PerFrameDeadline time.Duration `json:"per_frame_deadline" mapstructure:"per_frame_deadline"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`

	// FfmpegPath and FfprobePath locate the external binaries used to
	// extract frames from a clip; there is no Go video-decode library in
	// this repository's dependency set, so frame extraction shells out.
	FfmpegPath  string `json:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	FfprobePath string `json:"ffprobe_path" mapstructure:"ffprobe_path"`
}

// Broadcast holds SSE Broadcaster policy.
type Broadcast struct {
	SubscriberBufferSize int           `json:"subscriber_buffer_size" mapstructure:"subscriber_buffer_size"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxStreamDuration    time.Duration `json:"max_stream_duration" mapstructure:"max_stream_duration"`
}

// WebServer holds the Read API / Media Proxy / SSE HTTP server settings.
type WebServer struct {
	Port          int      `json:"port" mapstructure:"port"`
	TrustedProxies []string `json:"trusted_proxies" mapstructure:"trusted_proxies"`
	BearerToken   string   `json:"bearer_token" mapstructure:"bearer_token"`
	GuestRateLimitPerMinute int `json:"guest_rate_limit_per_minute" mapstructure:"guest_rate_limit_per_minute"`
}

// Storage holds Event Store connection settings.
type Storage struct {
	Driver string `json:"driver" mapstructure:"driver"` // "sqlite" or "mysql"
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
	MySQLDSN   string `json:"mysql_dsn" mapstructure:"mysql_dsn"`
}

// Weather holds the Enrichment weather facade provider selection.
type Weather struct {
	Provider string `json:"provider" mapstructure:"provider"` // "yrno", "openweather", "wunderground"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Latitude  float64 `json:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude"`
}

// Notification holds the downstream notification sink contract (shoutrrr URL).
type Notification struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
}

// Telemetry holds the optional Sentry crash/error reporting sink. Only
// KindInternal errors (apperr.KindInternal) are ever forwarded; expected
// operational conditions like a not-found lookup or a rate limit never are.
type Telemetry struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
}

// Taxonomy holds the Enrichment taxonomy facade (eBird) credentials. A
// blank APIKey disables taxonomy enrichment entirely; Detection Processor
// enrichment is best-effort and leaves scientific_name/common_name/taxa_id
// null rather than failing when this is unset.
type Taxonomy struct {
	APIKey   string        `json:"api_key" mapstructure:"api_key"`
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
}

// Classifier holds Classifier Runtime model location and sizing.
type Classifier struct {
	ModelPath       string `json:"model_path" mapstructure:"model_path"`
	LabelsPath      string `json:"labels_path" mapstructure:"labels_path"`
	WorkerPoolSize  int    `json:"worker_pool_size" mapstructure:"worker_pool_size"`
	InferenceDeadline time.Duration `json:"inference_deadline" mapstructure:"inference_deadline"`
}

// Settings is the full process configuration. A Settings value is always
// treated as immutable once published; callers must go through Publisher
// to obtain one and never mutate the struct they're handed.
type Settings struct {
	Debug        bool       `json:"debug" mapstructure:"debug"`
	Timezone     string     `json:"timezone" mapstructure:"timezone"`
	MQTT         MQTT       `json:"mqtt" mapstructure:"mqtt"`
	Frigate      Frigate    `json:"frigate" mapstructure:"frigate"`
	Detection    Detection  `json:"detection" mapstructure:"detection"`
	Media        Media      `json:"media" mapstructure:"media"`
	Reclassify   Reclassify `json:"reclassify" mapstructure:"reclassify"`
	Broadcast    Broadcast  `json:"broadcast" mapstructure:"broadcast"`
	WebServer    WebServer  `json:"web_server" mapstructure:"web_server"`
	Storage      Storage    `json:"storage" mapstructure:"storage"`
	Weather      Weather    `json:"weather" mapstructure:"weather"`
	Taxonomy     Taxonomy   `json:"taxonomy" mapstructure:"taxonomy"`
	Notification Notification `json:"notification" mapstructure:"notification"`
	Classifier   Classifier `json:"classifier" mapstructure:"classifier"`
	Telemetry    Telemetry  `json:"telemetry" mapstructure:"telemetry"`

	// ManualRelabelWins controls whether a human relabel takes precedence
	// over a later automated reclassification, as a config toggle rather
	// than a hardcoded constant so it is visible and testable like any
	// other policy knob. Default true.
	ManualRelabelWins bool `json:"manual_relabel_wins" mapstructure:"manual_relabel_wins"`
}

// Defaults returns the baseline Settings before file/env overlay.
func Defaults() Settings {
	return Settings{
		Timezone: "UTC",
		MQTT: MQTT{
			NVRTopic:     "frigate/events",
			AudioTopic:   "birdnet/audio",
			ClientIDBase: "sentinel",
		},
		Detection: Detection{
			TrustFrigateSublabel:          true,
			FastPathFallback:              true,
			ClassificationThreshold:       0.7,
			MinConfidence:                 0.4,
			AudioCorrelationWindowSeconds: 300,
			AudioConfirmScore:             0.5,
			AudioBufferHours:              24,
			WorkerPoolSize:                0, // 0 => CPU count, resolved at startup
		},
		Media: Media{
			ClipsEnabled:        true,
			CacheDir:            filepath.Join("data", "media-cache"),
			RetentionDays:       14,
			MaxCacheSizeBytes:   5 << 30, // 5 GiB
			UpstreamTimeout:     30 * time.Second,
			PublicHistoryWindow: 24 * time.Hour,
		},
		Reclassify: Reclassify{
			MaxFrames:         15,
			JobDeadline:       10 * time.Minute,
			PerFrameDeadline:  20 * time.Second,
			MaxConcurrentJobs: 0, // 0 => CPU count, resolved at startup
			FfmpegPath:        "ffmpeg",
			FfprobePath:       "ffprobe",
		},
		Broadcast: Broadcast{
			SubscriberBufferSize: 256,
			HeartbeatInterval:    15 * time.Second,
			MaxStreamDuration:    30 * time.Minute,
		},
		WebServer: WebServer{
			Port:                    8080,
			GuestRateLimitPerMinute: 60,
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: filepath.Join("data", "sentinel.db"),
		},
		Classifier: Classifier{
			ModelPath:         filepath.Join("data", "models", "classifier.tflite"),
			InferenceDeadline: 10 * time.Second,
		},
		Taxonomy: Taxonomy{
			CacheTTL: 24 * time.Hour,
		},
		ManualRelabelWins: true,
	}
}

// placeholderSecret is what a redacted secret is written back as; Load
// treats it as "no change requested" rather than as a literal new value.
const placeholderSecret = "********"

// envBinding pairs a viper config key with an explicit environment variable
// name, so precedence (env > file > default) is documented in one place
// instead of relying on viper's automatic case-folding of nested keys.
type envBinding struct {
	configKey string
	envVar    string
}

func envBindings() []envBinding {
	return []envBinding{
		{"frigate.url", "FRIGATE_URL"},
		{"frigate.auth_token", "FRIGATE_AUTH_TOKEN"},
		{"mqtt.broker", "MQTT_BROKER"},
		{"mqtt.username", "MQTT_USERNAME"},
		{"mqtt.password", "MQTT_PASSWORD"},
		{"media.retention_days", "RETENTION_DAYS"},
		{"timezone", "TZ"},
	}
}

// Load builds a Settings value from defaults, overlaid by configPath (if it
// exists) via viper, overlaid by explicit environment bindings. It never
// writes anything.
func Load(configPath string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	defaults := Defaults()
	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: marshal defaults: %w", err)
	}
	var defaultsMap map[string]any
	if err := json.Unmarshal(defaultsJSON, &defaultsMap); err != nil {
		return Settings{}, fmt.Errorf("settings: unmarshal defaults: %w", err)
	}
	for k, val := range flatten(defaultsMap, "") {
		v.SetDefault(k, val)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("settings: reading %s: %w", configPath, err)
		}
	}

	for _, b := range envBindings() {
		if err := v.BindEnv(b.configKey, b.envVar); err != nil {
			return Settings{}, fmt.Errorf("settings: bind env %s: %w", b.envVar, err)
		}
	}
	if days := os.Getenv("RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			v.Set("media.retention_days", n)
		}
	}

	var out Settings
	if err := v.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("settings: unmarshal: %w", err)
	}
	return out, nil
}

// Save persists s to configPath as JSON, never clobbering a secret field
// with the redaction placeholder: if s carries placeholderSecret for a
// secret field, the previously persisted value (if any) is kept.
func Save(configPath string, s Settings) error {
	if existing, err := Load(configPath); err == nil {
		if s.MQTT.Password == placeholderSecret {
			s.MQTT.Password = existing.MQTT.Password
		}
		if s.Frigate.AuthToken == placeholderSecret {
			s.Frigate.AuthToken = existing.Frigate.AuthToken
		}
		if s.WebServer.BearerToken == placeholderSecret {
			s.WebServer.BearerToken = existing.WebServer.BearerToken
		}
		if s.Weather.APIKey == placeholderSecret {
			s.Weather.APIKey = existing.Weather.APIKey
		}
		if s.Taxonomy.APIKey == placeholderSecret {
			s.Taxonomy.APIKey = existing.Taxonomy.APIKey
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// Redacted returns a copy of s with secret fields replaced by the
// placeholder, safe to show in a read-only settings view.
func Redacted(s Settings) Settings {
	s.MQTT.Password = redact(s.MQTT.Password)
	s.Frigate.AuthToken = redact(s.Frigate.AuthToken)
	s.WebServer.BearerToken = redact(s.WebServer.BearerToken)
	s.Weather.APIKey = redact(s.Weather.APIKey)
	s.Taxonomy.APIKey = redact(s.Taxonomy.APIKey)
	return s
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return placeholderSecret
}

// Publisher is the process-wide immutable-snapshot source of truth.
// Readers call Current() once per operation and use the returned snapshot
// for every subsequent decision in that operation, so a concurrent update
// never produces a torn read across multiple fields.
type Publisher struct {
	current atomic.Pointer[Settings]
	updates chan Settings
}

// NewPublisher creates a Publisher seeded with initial.
func NewPublisher(initial Settings) *Publisher {
	p := &Publisher{updates: make(chan Settings, 1)}
	p.current.Store(&initial)
	return p
}

// Current returns the current snapshot. The returned pointer must be
// treated as read-only.
func (p *Publisher) Current() *Settings {
	return p.current.Load()
}

// Publish atomically swaps in next and signals Updates(), dropping the
// notice (not the setting) if no one is listening -- the new snapshot is
// always visible to Current() regardless of whether anyone reads the
// channel.
func (p *Publisher) Publish(next Settings) {
	p.current.Store(&next)
	select {
	case p.updates <- next:
	default:
	}
}

// Updates returns a channel that receives the new snapshot after each
// Publish call. At most one pending notice is buffered; while it is unread,
// later Publish calls drop their notices, so a slow consumer may receive an
// older snapshot than Current() returns.
func (p *Publisher) Updates() <-chan Settings {
	return p.updates
}

// flatten turns a nested map (as produced by marshaling Settings to JSON)
// into viper dotted-key defaults, e.g. {"mqtt":{"broker":"x"}} -> "mqtt.broker".
func flatten(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(nested, key) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
