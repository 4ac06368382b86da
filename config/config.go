// Package config loads the server configuration: defaults, then an
// optional YAML file, then FAST_REACTOR_* environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/searchktools/fast-reactor/core/balancer"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FAST_REACTOR_"

// Modes
const (
	ModeServer = "server"
	ModeProxy  = "proxy"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Upstream is one proxy target
type Upstream struct {
	IP     string `yaml:"ip"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

// Config holds all application configuration.
type Config struct {
	IP              string `yaml:"ip"                env:"IP"`
	Port            int    `yaml:"port"              env:"PORT"`
	NetThreadCnt    int    `yaml:"net_thread_cnt"    env:"NET_THREAD_CNT"`
	MaxConnections  int    `yaml:"max_connections"   env:"MAX_CONNECTIONS"`
	MaxBacklog      int    `yaml:"max_backlog"       env:"MAX_BACKLOG"`
	WorkerThreadCnt int    `yaml:"worker_thread_cnt" env:"WORKER_THREAD_CNT"`

	Mode           string        `yaml:"mode"            env:"MODE"`
	BalanceRule    string        `yaml:"balance_rule"    env:"BALANCE_RULE"`
	Upstreams      []Upstream    `yaml:"upstreams"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ConnectRetries int           `yaml:"connect_retries" env:"CONNECT_RETRIES"`
	HeartbeatPath  string        `yaml:"heartbeat_path"  env:"HEARTBEAT_PATH"`

	IdleTimeout   time.Duration `yaml:"idle_timeout"   env:"IDLE_TIMEOUT"`
	WaitInterval  time.Duration `yaml:"wait_interval"  env:"WAIT_INTERVAL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level"    env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format"   env:"LOG_FORMAT"`
	Env         string `yaml:"env"          env:"ENV"`
	GOGC        int    `yaml:"gogc"         env:"GOGC"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:            8080,
		NetThreadCnt:    runtime.NumCPU(),
		MaxConnections:  100000,
		MaxBacklog:      1024,
		WorkerThreadCnt: runtime.NumCPU(),
		Mode:            ModeServer,
		BalanceRule:     "poll",
		ConnectTimeout:  3 * time.Second,
		ConnectRetries:  3,
		HeartbeatPath:   "/_heartbeat",
		IdleTimeout:     60 * time.Second,
		WaitInterval:    100 * time.Millisecond,
		SweepInterval:   time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		Env:             "development",
		GOGC:            200,
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, wrapped in ErrInvalidConfig
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port >= 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.IP == "" || net.ParseIP(c.IP).To4() != nil, "ip %q is not an IPv4 address", c.IP)
	check(c.NetThreadCnt > 0, "net_thread_cnt must be positive")
	check(c.MaxConnections >= 0, "max_connections must not be negative")
	check(c.MaxBacklog > 0, "max_backlog must be positive")
	check(c.WorkerThreadCnt >= 0, "worker_thread_cnt must not be negative")
	check(c.IdleTimeout >= 0, "idle_timeout must not be negative")
	check(c.WaitInterval > 0, "wait_interval must be positive")
	check(c.SweepInterval > 0, "sweep_interval must be positive")
	check(c.LogFormat == "json" || c.LogFormat == "text", "log_format %q is not json or text", c.LogFormat)

	switch c.Mode {
	case ModeServer:
	case ModeProxy:
		_, err := balancer.ParseRule(c.BalanceRule)
		check(err == nil, "balance_rule %q is not poll, weight or iphash", c.BalanceRule)
		check(len(c.Upstreams) > 0, "proxy mode needs at least one upstream")
		check(c.ConnectTimeout > 0, "connect_timeout must be positive")
		check(c.ConnectRetries > 0, "connect_retries must be positive")
		for i, u := range c.Upstreams {
			check(net.ParseIP(u.IP).To4() != nil, "upstream %d: ip %q is not an IPv4 address", i, u.IP)
			check(u.Port > 0 && u.Port <= 65535, "upstream %d: port %d out of range", i, u.Port)
			check(u.Weight >= 0, "upstream %d: negative weight", i)
		}
	default:
		check(false, "mode %q is not server or proxy", c.Mode)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Rule returns the parsed balance rule
func (c *Config) Rule() balancer.Rule {
	r, _ := balancer.ParseRule(c.BalanceRule)
	return r
}

// Candidates returns the upstreams as load balancer candidates
func (c *Config) Candidates() []balancer.WebServerProfile {
	out := make([]balancer.WebServerProfile, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out = append(out, balancer.WebServerProfile{IP: u.IP, Port: u.Port, Weight: u.Weight})
	}
	return out
}

// New loads configuration from flags, a .env file and the environment.
// Flags given explicitly win over file and environment.
func New() (*Config, error) {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	path := fs.String("config", "", "Path to the YAML configuration file")
	port := fs.Int("port", 8080, "Listening port")
	mode := fs.String("mode", ModeServer, "Run mode (server/proxy)")
	envName := fs.String("env", "development", "Environment (development/production)")
	fs.Parse(os.Args[1:])

	// .env is optional
	_ = godotenv.Load()

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "mode":
			cfg.Mode = *mode
		case "env":
			cfg.Env = *envName
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
