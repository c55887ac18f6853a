package constants

// History loading
const (
	MaxHistoryLimit     = 200
	DefaultHistoryLimit = MaxHistoryLimit
)

// Timed behaviours
const (
	DefaultTypingDebounceMs       = 1000
	DefaultNotificationDisplaySec = 6
)

// Live channel reconnect policy
const (
	DefaultReconnectInitialMs  = 500
	DefaultReconnectMaxMs      = 30000
	DefaultReconnectMultiplier = 2.0
)

// Backend client
const (
	DefaultHTTPTimeoutSec   = 30
	DefaultStreamDialSec    = 15
	DefaultMaxFrameBytes    = 1 << 20
	DefaultMaxAttachmentMB  = 25
	DefaultGracefulShutdown = 5
)

// Backend circuit breaker
const (
	DefaultBreakerFailures    = 5
	DefaultBreakerCooldownSec = 30
	DefaultBreakerProbes      = 3
)

// Local session store
const (
	DefaultSessionDBPath = "solarchat.db"
	DefaultServerPort    = 8085
)

// Encryption parameters for session values at rest
const (
	EncryptionSalt = "solarchat-session-v1"
	KeySize        = 32
	NonceSize      = 12
	Iterations     = 100000
)

// Identifier limits
const (
	MaxIdentifierLength  = 128
	MaxDisplayNameLength = 100
)

// Privacy settings
const (
	DefaultIdentifierMaskLength = 4
	DefaultTextPreviewLength    = 12
)
