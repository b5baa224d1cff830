package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Scylla      ScyllaConfig      `mapstructure:"scylla"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	PBX         PBXConfig         `mapstructure:"pbx"`
	CallAttempt CallAttemptConfig `mapstructure:"call_attempt"`
	AudioBridge AudioBridgeConfig `mapstructure:"audio_bridge"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	TestMode bool   `mapstructure:"test_mode"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts         []string      `mapstructure:"hosts"`
	Port          int           `mapstructure:"port"`
	Keyspace      string        `mapstructure:"keyspace"`
	Consistency   string        `mapstructure:"consistency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TranscriptTTL time.Duration `mapstructure:"transcript_ttl"`
}

type KafkaConfig struct {
	Brokers            []string      `mapstructure:"brokers"`
	ClientID           string        `mapstructure:"client_id"`
	CallCompletedTopic string        `mapstructure:"call_completed_topic"`
	DeadLetterTopic    string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID    string        `mapstructure:"consumer_group_id"`
	CommitInterval     time.Duration `mapstructure:"commit_interval"`
	Partitions         int           `mapstructure:"partitions"`
	ReplicationFactor  int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	ServiceVersion   string        `mapstructure:"service_version"`
	SampleRatio      float64       `mapstructure:"sample_ratio"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration         `mapstructure:"poll_interval"`
	InitialDelay time.Duration         `mapstructure:"initial_delay"`
	TimeZone     string                `mapstructure:"time_zone"`
	CallingHours []CallingWindowConfig `mapstructure:"calling_hours"`
}

// CallingWindowConfig is a daily window expressed as HH:MM strings.
type CallingWindowConfig struct {
	Day   string `mapstructure:"day"`
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type AdmissionConfig struct {
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	DistributedSlots   bool          `mapstructure:"distributed_slots"`
	SlotKey            string        `mapstructure:"slot_key"`
	SlotTTL            time.Duration `mapstructure:"slot_ttl"`
}

type PBXConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Username          string        `mapstructure:"username"`
	Secret            string        `mapstructure:"secret"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	QueueSize         int           `mapstructure:"queue_size"`
}

type CallAttemptConfig struct {
	OutboundContext     string        `mapstructure:"outbound_context"`
	AgentContext        string        `mapstructure:"agent_context"`
	CallerID            string        `mapstructure:"caller_id"`
	OriginateTimeout    time.Duration `mapstructure:"originate_timeout"`
	OriginateWatchdog   time.Duration `mapstructure:"originate_watchdog"`
	MaxCallDuration     time.Duration `mapstructure:"max_call_duration"`
	DTMFInterDigitDelay time.Duration `mapstructure:"dtmf_inter_digit_delay"`
	SecondsPerWord      float64       `mapstructure:"seconds_per_word"`
	HangupPadding       time.Duration `mapstructure:"hangup_padding"`
	FinalizeTimeout     time.Duration `mapstructure:"finalize_timeout"`
	UserInfoTimeout     time.Duration `mapstructure:"user_info_timeout"`
	TestNumber          string        `mapstructure:"test_number"`
}

type AudioBridgeConfig struct {
	ListenAddress      string        `mapstructure:"listen_address"`
	SendInterval       time.Duration `mapstructure:"send_interval"`
	OutputGain         float64       `mapstructure:"output_gain"`
	RecordingDir       string        `mapstructure:"recording_dir"`
	RequestLineTimeout time.Duration `mapstructure:"request_line_timeout"`
	HeaderTimeout      time.Duration `mapstructure:"header_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	LookupRetries      int           `mapstructure:"lookup_retries"`
	LookupInterval     time.Duration `mapstructure:"lookup_interval"`
	AIHandshakeTimeout time.Duration `mapstructure:"ai_handshake_timeout"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
}

type RealtimeConfig struct {
	URL                string        `mapstructure:"url"`
	Model              string        `mapstructure:"model"`
	APIKey             string        `mapstructure:"api_key"`
	Voice              string        `mapstructure:"voice"`
	VADThreshold       float64       `mapstructure:"vad_threshold"`
	PrefixPadding      time.Duration `mapstructure:"prefix_padding"`
	SilenceDuration    time.Duration `mapstructure:"silence_duration"`
	ConnectAttempts    int           `mapstructure:"connect_attempts"`
	BaseRetryDelay     time.Duration `mapstructure:"base_retry_delay"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	AudioQueueSize     int           `mapstructure:"audio_queue_size"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("VOICEAGENT")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if cfg.App.TestMode {
		cfg.Admission.MaxConcurrentCalls = 1
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-voice-agent")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8000)

	v.SetDefault("kafka.call_completed_topic", "voiceagent.call-completed")
	v.SetDefault("kafka.dead_letter_topic", "voiceagent.call-completed.dlq")
	v.SetDefault("kafka.consumer_group_id", "voiceagent-retry")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.transcript_ttl", 90*24*time.Hour)

	v.SetDefault("telemetry.metrics_namespace", "voiceagent")
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.initial_delay", 5*time.Second)
	v.SetDefault("scheduler.time_zone", "UTC")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 5*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 240*time.Minute)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("admission.max_concurrent_calls", 10)
	v.SetDefault("admission.reconcile_interval", 20*time.Second)
	v.SetDefault("admission.stale_after", 10*time.Minute)
	v.SetDefault("admission.slot_key", "voiceagent:calls:active")
	v.SetDefault("admission.slot_ttl", time.Hour)

	v.SetDefault("pbx.host", "127.0.0.1")
	v.SetDefault("pbx.port", 5038)
	v.SetDefault("pbx.connect_timeout", 10*time.Second)
	v.SetDefault("pbx.action_timeout", 10*time.Second)
	v.SetDefault("pbx.keepalive_interval", 20*time.Second)
	v.SetDefault("pbx.keepalive_timeout", 5*time.Second)
	v.SetDefault("pbx.reconnect_delay", 5*time.Second)
	v.SetDefault("pbx.queue_size", 256)

	v.SetDefault("call_attempt.outbound_context", "outbound-trunk")
	v.SetDefault("call_attempt.agent_context", "voice-agent")
	v.SetDefault("call_attempt.caller_id", "voiceagent")
	v.SetDefault("call_attempt.originate_timeout", 30*time.Second)
	v.SetDefault("call_attempt.originate_watchdog", 60*time.Second)
	v.SetDefault("call_attempt.max_call_duration", 30*time.Minute)
	v.SetDefault("call_attempt.dtmf_inter_digit_delay", 250*time.Millisecond)
	v.SetDefault("call_attempt.seconds_per_word", 0.4)
	v.SetDefault("call_attempt.hangup_padding", 500*time.Millisecond)
	v.SetDefault("call_attempt.finalize_timeout", 10*time.Second)
	v.SetDefault("call_attempt.user_info_timeout", 5*time.Minute)

	v.SetDefault("audio_bridge.listen_address", "0.0.0.0:1200")
	v.SetDefault("audio_bridge.send_interval", 15*time.Millisecond)
	v.SetDefault("audio_bridge.output_gain", 1.0)
	v.SetDefault("audio_bridge.recording_dir", "recordings")
	v.SetDefault("audio_bridge.request_line_timeout", 5*time.Second)
	v.SetDefault("audio_bridge.header_timeout", 2*time.Second)
	v.SetDefault("audio_bridge.idle_timeout", 30*time.Second)
	v.SetDefault("audio_bridge.lookup_retries", 3)
	v.SetDefault("audio_bridge.lookup_interval", 200*time.Millisecond)
	v.SetDefault("audio_bridge.ai_handshake_timeout", 10*time.Second)
	v.SetDefault("audio_bridge.join_timeout", 2*time.Second)

	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("realtime.voice", "alloy")
	v.SetDefault("realtime.vad_threshold", 0.3)
	v.SetDefault("realtime.prefix_padding", 100*time.Millisecond)
	v.SetDefault("realtime.silence_duration", 1500*time.Millisecond)
	v.SetDefault("realtime.connect_attempts", 3)
	v.SetDefault("realtime.base_retry_delay", 2*time.Second)
	v.SetDefault("realtime.handshake_timeout", 20*time.Second)
	v.SetDefault("realtime.ack_timeout", 15*time.Second)
	v.SetDefault("realtime.audio_queue_size", 100)
	v.SetDefault("realtime.transcription_model", "whisper-1")
}
