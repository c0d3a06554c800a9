package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// Chat Server Related Config

// ChatSocketConfig defines the chat TCP server socket
type ChatSocketConfig struct {
	// ListenOn is the interface the chat server socket will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the chat server socket will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
}

// ChatProtocolConfig defines chat protocol behavior
type ChatProtocolConfig struct {
	// Variant is the protocol variant. "advanced" collects event confirms before
	// responding, "simple" responds right after broadcasting.
	Variant string `mapstructure:"variant" json:"variant" validate:"required,oneof=advanced simple"`
	// ReceiveTimeout is the idle period in seconds after which a worker re-checks its client
	ReceiveTimeout int `mapstructure:"receive_timeout_sec" json:"receive_timeout_sec" validate:"gte=1"`
	// StatsLogInterval is the period in seconds between server statistics log lines. 0 disables.
	StatsLogInterval int `mapstructure:"stats_log_interval_sec" json:"stats_log_interval_sec" validate:"gte=0"`
}

// ChatEndpointConfig defines chat server REST API endpoint config
type ChatEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the REST APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ChatServerConfig defines configuration for the chat server
type ChatServerConfig struct {
	// Socket is the chat TCP server socket config
	Socket ChatSocketConfig `mapstructure:"tcp" json:"tcp"`
	// Protocol is the chat protocol config
	Protocol ChatProtocolConfig `mapstructure:"protocol" json:"protocol"`
	// HTTPSetting is the HTTP API / server parameters for the REST and websocket server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// Endpoints is the API endpoint config parameters
	Endpoints ChatEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config"`
}

// ===============================================================================
// Chat Client Related Config

// ChatClientConfig defines configuration for the chat client
type ChatClientConfig struct {
	// ServerURI is the chat server URI, "tcp://host:port" or "ws://host:port/path"
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to the chat server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ReceiveTimeout is the idle period in seconds after which the listener re-polls. 0 waits forever.
	ReceiveTimeout int `mapstructure:"receive_timeout_sec" json:"receive_timeout_sec" validate:"gte=0"`
	// Variant is the protocol variant, must match the server's
	Variant string `mapstructure:"variant" json:"variant" validate:"required,oneof=advanced simple"`
}

// ===============================================================================
// Event Mirror Related Config

// MirrorConfig defines the mirroring of completed chat operations to NATS
type MirrorConfig struct {
	// Enabled whether to mirror completed operations
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject prefix. Records go to "<subject>.<record type>".
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats"`
	// BufferSize is the number of records held while waiting to be published
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size" validate:"gte=1"`
	// Workers is the number of parallel publishers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// PublishTimeout is the max duration in seconds for publishing one record
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// ===============================================================================

// SystemConfig is the application config
type SystemConfig struct {
	// Server are the chat server configs
	Server *ChatServerConfig `mapstructure:"server,omitempty" json:"server,omitempty" validate:"omitempty"`
	// Client are the chat client configs
	Client *ChatClientConfig `mapstructure:"client,omitempty" json:"client,omitempty" validate:"omitempty"`
	// Mirror are the event mirror configs
	Mirror MirrorConfig `mapstructure:"mirror" json:"mirror"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default chat server settings
	viper.SetDefault("server.tcp.listen_on", "0.0.0.0")
	viper.SetDefault("server.tcp.listen_port", 6001)
	viper.SetDefault("server.protocol.variant", "advanced")
	viper.SetDefault("server.protocol.receive_timeout_sec", 60)
	viper.SetDefault("server.protocol.stats_log_interval_sec", 60)
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 6002)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Chatmq-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default chat client settings
	viper.SetDefault("client.server_uri", "tcp://127.0.0.1:6001")
	viper.SetDefault("client.connect_timeout_sec", 10)
	viper.SetDefault("client.receive_timeout_sec", 0)
	viper.SetDefault("client.variant", "advanced")

	// Default event mirror settings
	viper.SetDefault("mirror.enabled", false)
	viper.SetDefault("mirror.subject", "chatmq")
	viper.SetDefault("mirror.buffer_size", 256)
	viper.SetDefault("mirror.workers", 1)
	viper.SetDefault("mirror.publish_timeout_sec", 5)
	viper.SetDefault("mirror.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("mirror.nats.connect_timeout_sec", 30)
	viper.SetDefault("mirror.nats.reconnect.max_attempts", -1)
	viper.SetDefault("mirror.nats.reconnect.wait_interval_sec", 15)
}
