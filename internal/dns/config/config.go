package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every proxy setting except the bare listener HOST and PORT.
const EnvPrefix = "DOT_"

// ConfigFileEnv names an optional YAML, JSON or TOML file read before the environment.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Host is the interface both listeners bind to.
	Host string `koanf:"host" validate:"required"`

	// Port is shared by the TCP and UDP listeners. Zero picks a free port.
	Port int `koanf:"port" validate:"gte=0,lte=65535"`

	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// LogFile is the rotating log file. Empty disables file logging.
	LogFile       string `koanf:"log_file"`
	LogMaxSizeMB  int    `koanf:"log_max_size_mb" validate:"gte=1"`
	LogMaxBackups int    `koanf:"log_max_backups" validate:"gte=0"`

	// Upstream is the DNS-over-TLS resolver in host:port format.
	Upstream string `koanf:"upstream" validate:"required,host_port"`

	// UpstreamServerName overrides the name checked against the upstream certificate.
	UpstreamServerName string `koanf:"upstream_server_name"`

	// UpstreamAlternate replaces Upstream when UpstreamUseAlternate is set.
	UpstreamAlternate    string `koanf:"upstream_alternate" validate:"omitempty,host_port"`
	UpstreamUseAlternate bool   `koanf:"upstream_use_alternate"`

	// UpstreamCAFile is a PEM bundle trusted instead of the system roots.
	UpstreamCAFile string `koanf:"upstream_ca_file" validate:"omitempty,file"`

	UpstreamTimeout  time.Duration `koanf:"upstream_timeout" validate:"gt=0"`
	UpstreamReuse    bool          `koanf:"upstream_reuse"`
	UpstreamPoolSize int           `koanf:"upstream_pool_size" validate:"gte=1"`
	SessionCacheSize int           `koanf:"session_cache_size" validate:"gte=0"`

	// Probe sends one query through the upstream at startup and refuses to start if it fails.
	Probe     bool   `koanf:"probe"`
	ProbeName string `koanf:"probe_name" validate:"required"`

	ClientIdleTimeout time.Duration `koanf:"client_idle_timeout" validate:"gte=0"`
	TCPMaxConns       int           `koanf:"tcp_max_conns" validate:"gte=0"`
	StrictFraming     bool          `koanf:"strict_framing"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DEFAULT_APP_CONFIG defines the default settings: listen on localhost:53 and relay to
// Cloudflare over DNS-over-TLS, one connection per query.
var DEFAULT_APP_CONFIG = AppConfig{
	Host:              "localhost",
	Port:              53,
	Env:               "prod",
	LogLevel:          "info",
	LogFile:           "app.log",
	LogMaxSizeMB:      1,
	LogMaxBackups:     5,
	Upstream:          "1.1.1.1:853",
	UpstreamAlternate: "9.9.9.9:853",
	UpstreamTimeout:   5 * time.Second,
	UpstreamPoolSize:  4,
	SessionCacheSize:  64,
	ProbeName:         "cloudflare.com.",
	ClientIdleTimeout: 30 * time.Second,
	ShutdownTimeout:   10 * time.Second,
}

// ListenAddr returns the host:port both listeners bind to.
func (c *AppConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ActiveUpstream returns the single upstream endpoint in use.
func (c *AppConfig) ActiveUpstream() string {
	if c.UpstreamUseAlternate && c.UpstreamAlternate != "" {
		return c.UpstreamAlternate
	}
	return c.Upstream
}

// validHostPort validates a "host:port" value where host is an IP address or a
// hostname and port is between 1 and 65535.
func validHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || host == "" || port == "" {
		return false
	}
	if net.ParseIP(host) == nil && !validHostname(host) {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads path with the parser matching its extension. Keys are the
// same as the environment variables without the prefix, in lower case.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	return k.Load(file.Provider(path), parser)
}

// listenLoader loads the unprefixed HOST and PORT variables. Unset or empty
// variables leave the defaults alone.
var listenLoader = func(k *koanf.Koanf) error {
	values := map[string]any{}
	for _, name := range []string{"HOST", "PORT"} {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			values[strings.ToLower(name)] = strings.TrimSpace(v)
		}
	}
	return k.Load(confmap.Provider(values, "."), nil)
}

// envLoader loads environment variables with the prefix "DOT_".
// It transforms the keys to lowercase and removes the prefix,
// and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), strings.TrimSpace(value)
		},
	}), nil)
}

// registerValidation registers the "host_port" tag with the provided validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("host_port", validHostPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically. When DOT_CONFIG_FILE
// is set, that file is read first and the environment overrides it.
func Load() (*AppConfig, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
// Precedence, lowest first: defaults, file, HOST and PORT, DOT_ variables.
func LoadFile(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	if err := listenLoader(k); err != nil {
		return nil, fmt.Errorf("error loading listener env: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
