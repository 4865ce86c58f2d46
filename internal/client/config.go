package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/nlpctl/internal/properties"
	"github.com/danmuck/nlpctl/internal/retry"
	"github.com/danmuck/nlpctl/internal/supervisor"
)

// Config is supplied at construction time. DefaultConfig reads CORENLP_HOME
// for the Java home and nothing else comes from the environment.
type Config struct {
	ServerID       string
	Endpoint       string
	Host           string
	Port           int
	StartMode      supervisor.StartMode
	StartupTimeout time.Duration
	StopGrace      time.Duration

	RequestTimeout   time.Duration
	MaxRetries       int
	Backoff          retry.BackoffConfig
	MaxResponseBytes int64

	// Annotators and OutputFormat are client-wide shorthand defaults.
	Annotators   string
	OutputFormat string

	Username string
	Password string

	// Launch overrides the Java command line built from Java.
	Launch supervisor.LaunchSpec
	Java   supervisor.JavaOptions

	// Properties are registered in the client's registry by New.
	Properties map[string]properties.PropertySet
}

func DefaultConfig() Config {
	return Config{
		ServerID:         "default",
		Host:             "127.0.0.1",
		Port:             9000,
		StartMode:        supervisor.StartTry,
		StartupTimeout:   120 * time.Second,
		StopGrace:        5 * time.Second,
		RequestTimeout:   60 * time.Second,
		MaxRetries:       3,
		Backoff:          retry.DefaultBackoff(),
		MaxResponseBytes: 256 << 20,
		Java:             supervisor.DefaultJavaOptions(),
	}
}

// WithDefaults fills zero fields from DefaultConfig. Port 0 is kept and means
// pick a free port.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ServerID) == "" {
		c.ServerID = def.ServerID
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.StartMode == "" {
		c.StartMode = def.StartMode
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = def.StopGrace
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Backoff == (retry.BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	c.Backoff = c.Backoff.WithDefaults()
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = def.MaxResponseBytes
	}
	c.Java = javaWithDefaults(c.Java, def.Java)
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	return c
}

// javaWithDefaults fills unset Java fields one by one. Quiet is a plain bool,
// so it only takes the default when nothing else was set.
func javaWithDefaults(o, def supervisor.JavaOptions) supervisor.JavaOptions {
	if javaUnset(o) {
		return def
	}
	if strings.TrimSpace(o.Java) == "" {
		o.Java = def.Java
	}
	if strings.TrimSpace(o.Home) == "" {
		o.Home = def.Home
	}
	if strings.TrimSpace(o.Memory) == "" {
		o.Memory = def.Memory
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Threads <= 0 {
		o.Threads = def.Threads
	}
	if o.MaxCharLength <= 0 {
		o.MaxCharLength = def.MaxCharLength
	}
	return o
}

func javaUnset(o supervisor.JavaOptions) bool {
	return o.Java == "" && o.Home == "" && o.Classpath == "" && o.Memory == "" &&
		o.Timeout == 0 && o.Threads == 0 && o.MaxCharLength == 0 && !o.Quiet &&
		o.ServerPropertiesFile == "" && len(o.Preload) == 0 && len(o.ExtraArgs) == 0
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerID) == "" {
		errs = append(errs, errors.New("server id is required"))
	}
	if !c.StartMode.Valid() {
		errs = append(errs, fmt.Errorf("invalid start mode %q", c.StartMode))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.StartMode == supervisor.StartNever && c.Endpoint == "" && c.Port == 0 {
		errs = append(errs, errors.New("start mode never requires an endpoint or port"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		errs = append(errs, fmt.Errorf("endpoint %q must start with http:// or https://", c.Endpoint))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) startup() supervisor.StartupConfig {
	launch := c.Launch
	if strings.TrimSpace(launch.Command) == "" {
		launch = supervisor.CoreNLPLaunch(c.Java)
	}
	return supervisor.StartupConfig{
		Launch:         launch,
		Mode:           c.StartMode,
		Host:           c.Host,
		Port:           c.Port,
		Endpoint:       c.Endpoint,
		StartupTimeout: c.StartupTimeout,
		StopGrace:      c.StopGrace,
		Backoff:        c.Backoff,
	}
}
