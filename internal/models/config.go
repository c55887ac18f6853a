package models

// Config holds the application configuration
type Config struct {
	API           APIConfig          `json:"api"`
	Live          LiveConfig         `json:"live"`
	History       HistoryConfig      `json:"history"`
	Typing        TypingConfig       `json:"typing"`
	Notifications NotificationConfig `json:"notifications"`
	Attachments   AttachmentConfig   `json:"attachments"`
	Store         StoreConfig        `json:"store"`
	Session       SessionConfig      `json:"session"`
	Server        ServerConfig       `json:"server"`
	Tracing       TracingConfig      `json:"tracing"`
	LogLevel      string             `json:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
}

// APIConfig points at the chat REST backend
type APIConfig struct {
	BaseURL    string `json:"base_url" validate:"required,url"`
	AuthToken  string `json:"auth_token"`
	TimeoutSec int    `json:"timeout_sec" validate:"min=0,max=300"`
}

// LiveConfig configures the server-push channel
type LiveConfig struct {
	StreamURL        string `json:"stream_url" validate:"required,url"`
	DisableReconnect bool   `json:"disable_reconnect"`
	InitialBackoffMs int    `json:"initial_backoff_ms" validate:"min=0,max=60000"`
	MaxBackoffMs     int    `json:"max_backoff_ms" validate:"min=0,max=600000"`
	DialTimeoutSec   int    `json:"dial_timeout_sec" validate:"min=0,max=120"`
}

// HistoryConfig bounds the per-peer history request
type HistoryConfig struct {
	Limit int `json:"limit" validate:"min=0"`
}

// TypingConfig configures the typing debounce window
type TypingConfig struct {
	DebounceMs int `json:"debounce_ms" validate:"min=0,max=60000"`
}

// NotificationConfig configures reply banners
type NotificationConfig struct {
	DisplaySec int `json:"display_sec" validate:"min=0,max=3600"`
}

// AttachmentConfig limits staged files
type AttachmentConfig struct {
	MaxSizeMB int `json:"max_size_mb" validate:"min=0,max=1024"`
}

// StoreConfig tunes the message store. Zero values keep the plain behaviour:
// no echo suppression and an unbounded message window.
type StoreConfig struct {
	EchoSuppressionMs int `json:"echo_suppression_ms" validate:"min=0"`
	MaxMessages       int `json:"max_messages" validate:"min=0"`
}

// SessionConfig locates the local session store
type SessionConfig struct {
	DBPath string `json:"db_path"`
}

// ServerConfig configures the optional health/metrics endpoint
type ServerConfig struct {
	Addr string `json:"addr" validate:"omitempty,hostname_port"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" validate:"min=0,max=1"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
