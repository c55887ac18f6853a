package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"solarchat/internal/constants"
	"solarchat/internal/models"
	"solarchat/internal/security"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMissingAPIURL    = models.ConfigError{Message: "missing chat API base URL"}
	ErrMissingStreamURL = models.ConfigError{Message: "missing live stream URL"}
)

var validate = validator.New()

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks required fields and the struct tag constraints
func Validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if c.Live.StreamURL == "" {
		return ErrMissingStreamURL
	}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			problems := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return models.ConfigError{Message: "invalid configuration: " + strings.Join(problems, ", ")}
		}
		return models.ConfigError{Message: err.Error()}
	}

	if c.Live.MaxBackoffMs < c.Live.InitialBackoffMs {
		return models.ConfigError{Message: "live.max_backoff_ms must not be lower than live.initial_backoff_ms"}
	}

	if c.Session.DBPath != "" {
		if err := security.ValidateFilePath(c.Session.DBPath); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid session.db_path: %v", err)}
		}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Live.InitialBackoffMs <= 0 {
		c.Live.InitialBackoffMs = constants.DefaultReconnectInitialMs
	}
	if c.Live.MaxBackoffMs <= 0 {
		c.Live.MaxBackoffMs = constants.DefaultReconnectMaxMs
	}
	if c.Live.DialTimeoutSec <= 0 {
		c.Live.DialTimeoutSec = constants.DefaultStreamDialSec
	}
	if c.History.Limit <= 0 || c.History.Limit > constants.MaxHistoryLimit {
		c.History.Limit = constants.DefaultHistoryLimit
	}
	if c.Typing.DebounceMs <= 0 {
		c.Typing.DebounceMs = constants.DefaultTypingDebounceMs
	}
	if c.Notifications.DisplaySec <= 0 {
		c.Notifications.DisplaySec = constants.DefaultNotificationDisplaySec
	}
	if c.Attachments.MaxSizeMB <= 0 {
		c.Attachments.MaxSizeMB = constants.DefaultMaxAttachmentMB
	}
	if c.Session.DBPath == "" {
		c.Session.DBPath = constants.DefaultSessionDBPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "solarchat"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 0.1
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("SOLARCHAT_API_URL"); url != "" {
		c.API.BaseURL = url
	}
	if url := os.Getenv("SOLARCHAT_STREAM_URL"); url != "" {
		c.Live.StreamURL = url
	}

	// SECURITY: API tokens should be set via environment variables
	if token := os.Getenv("SOLARCHAT_API_TOKEN"); token != "" {
		c.API.AuthToken = token
	}

	if path := os.Getenv("SOLARCHAT_SESSION_DB"); path != "" {
		c.Session.DBPath = path
	}
	if level := os.Getenv("SOLARCHAT_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
