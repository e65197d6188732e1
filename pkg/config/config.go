package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the complete runtime configuration of the forking server.
type Config struct {
	Gateway   GatewayConfig
	HTTP      HTTPConfig
	RTP       RTPConfig
	STT       STTConfig
	TTS       TTSConfig
	Messaging MessagingConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
	Calls     CallsConfig
}

// GatewayConfig describes the gateways to register with and the XMF liveness policy.
type GatewayConfig struct {
	Hosts     []string      `env:"GATEWAY_HOSTS" envSeparator:","`
	WSAPIPort int           `env:"GATEWAY_WSAPI_PORT" envDefault:"8090"`
	WSAPIPath string        `env:"GATEWAY_WSAPI_PATH" envDefault:"/cisco_xmf"`
	Timeout   time.Duration `env:"GATEWAY_REQUEST_TIMEOUT" envDefault:"5s"`
	DNSServer string        `env:"GATEWAY_DNS_SERVER"`
	AppName   string        `env:"GATEWAY_APP_NAME" envDefault:"xmf-forking"`

	TickInterval       time.Duration `env:"GATEWAY_TICK_INTERVAL" envDefault:"5s"`
	RegisterRetryTicks int           `env:"GATEWAY_REGISTER_RETRY_TICKS" envDefault:"2"`
}

// HTTPConfig describes the listener that receives XMF notifications and forking requests.
type HTTPConfig struct {
	ListenAddress string `env:"LISTEN_ADDRESS"`
	ListenPort    int    `env:"LISTEN_PORT" envDefault:"8080"`
	NotifyPath    string `env:"NOTIFY_PATH" envDefault:"/xmfnotify"`
	JWTSecret     string `env:"JWT_SECRET"`

	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// RTPConfig bounds capture port allocation.
type RTPConfig struct {
	BasePort     int `env:"RTP_BASE_PORT" envDefault:"16384"`
	PortRange    int `env:"RTP_PORT_RANGE" envDefault:"16384"`
	BindAttempts int `env:"RTP_BIND_ATTEMPTS" envDefault:"16"`
	BufferSize   int `env:"RTP_BUFFER_SIZE" envDefault:"1500"`
}

// STTConfig selects and configures the speech recognition vendor.
type STTConfig struct {
	Vendor               string `env:"STT_VENDOR" envDefault:"google"`
	DefaultLanguage      string `env:"STT_DEFAULT_LANGUAGE" envDefault:"en-US"`
	SingleUtterance      bool   `env:"STT_SINGLE_UTTERANCE" envDefault:"true"`
	AutomaticPunctuation bool   `env:"STT_AUTOMATIC_PUNCTUATION" envDefault:"true"`

	MaxDuration time.Duration `env:"STT_MAX_DURATION" envDefault:"60s"`

	GoogleCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	AWSRegion             string `env:"AWS_REGION" envDefault:"us-east-1"`
}

// TTSConfig configures synthesis and the WAV cache.
type TTSConfig struct {
	Enabled   bool   `env:"TTS_ENABLED" envDefault:"true"`
	CacheDir  string `env:"TTS_CACHE_DIR" envDefault:"tts"`
	RedisAddr string `env:"TTS_REDIS_ADDR"`
	RedisDB   int    `env:"TTS_REDIS_DB" envDefault:"0"`
	RedisPass string `env:"TTS_REDIS_PASSWORD"`
	GCSBucket string `env:"TTS_GCS_BUCKET"`
	GCSPrefix string `env:"TTS_GCS_PREFIX" envDefault:"tts"`
}

// MessagingConfig configures the optional AMQP event stream.
type MessagingConfig struct {
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"xmf.events"`
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
	File   string `env:"LOG_FILE"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"xmf-forking-server"`
}

// CallsConfig bounds how long a call record may live without a DISCONNECTED notification.
type CallsConfig struct {
	MaxAge time.Duration `env:"CALL_MAX_AGE" envDefault:"4h"`
}

// Load reads an optional .env file (ENV_FILE overrides the path) and parses the environment.
func Load(logger *logrus.Logger) (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
		logger.WithField("file", envFile).Debug("No env file found, using process environment")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = detectLocalAddress()
		logger.WithField("listen_address", cfg.HTTP.ListenAddress).Info("LISTEN_ADDRESS not set, using detected address")
	}
	return cfg, nil
}

// Parse builds a Config from the current process environment and validates it.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	for i, host := range cfg.Gateway.Hosts {
		cfg.Gateway.Hosts[i] = strings.TrimSpace(host)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that the env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_TICK_INTERVAL must be at least 1s, got %s", c.Gateway.TickInterval))
	}
	if c.Gateway.RegisterRetryTicks < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_REGISTER_RETRY_TICKS must be positive"))
	}
	if c.RTP.BasePort < 1 || c.RTP.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("RTP_BASE_PORT out of range: %d", c.RTP.BasePort))
	}
	if c.RTP.PortRange < 1 || c.RTP.BindAttempts < 1 {
		errs = append(errs, fmt.Errorf("RTP_PORT_RANGE and RTP_BIND_ATTEMPTS must be positive"))
	}
	if c.RTP.BufferSize <= 12 {
		errs = append(errs, fmt.Errorf("RTP_BUFFER_SIZE must exceed the 12 byte RTP header"))
	}
	switch strings.ToLower(c.STT.Vendor) {
	case "google", "amazon":
	default:
		errs = append(errs, fmt.Errorf("unsupported STT_VENDOR %q", c.STT.Vendor))
	}
	if !strings.HasPrefix(c.HTTP.NotifyPath, "/") {
		errs = append(errs, fmt.Errorf("NOTIFY_PATH must start with /"))
	}
	return errors.Join(errs...)
}

// CallbackURL is the URL gateways must post XMF notifications to.
func (c *Config) CallbackURL() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(c.HTTP.ListenAddress, fmt.Sprint(c.HTTP.ListenPort)), c.HTTP.NotifyPath)
}

func detectLocalAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	return addrs[0]
}
