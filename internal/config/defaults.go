package config

const (
	// Environment variable names
	EnvLogLevel          = "IPCSERVER_LOG_LEVEL"
	EnvLogFormat         = "IPCSERVER_LOG_FORMAT"
	EnvLogOutput         = "IPCSERVER_LOG_OUTPUT"
	EnvMaxPorts          = "IPCSERVER_MAX_PORTS"
	EnvMaxSessions       = "IPCSERVER_MAX_SESSIONS"
	EnvPointerBufferSize = "IPCSERVER_POINTER_BUFFER_SIZE"
	EnvServiceName       = "IPCSERVER_SERVICE_NAME"
	EnvMetricsEnabled    = "IPCSERVER_METRICS_ENABLED"
	EnvMetricsAddress    = "IPCSERVER_METRICS_ADDRESS"
)

const (
	// Default values
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMaxPorts          = 8
	DefaultMaxSessions       = 64
	DefaultPointerBufferSize = 0x500
	DefaultServiceName       = "echo"
	DefaultMetricsAddress    = "127.0.0.1:9464"

	// MaxServiceNameLength is the longest name the service directory accepts
	MaxServiceNameLength = 8
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stderr",
	}
}

// DefaultServerConfig returns the default IPC server sizing
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxPorts:          DefaultMaxPorts,
		MaxSessions:       DefaultMaxSessions,
		PointerBufferSize: DefaultPointerBufferSize,
		ServiceName:       DefaultServiceName,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Address: DefaultMetricsAddress,
		Path:    "/metrics",
	}
}
