package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Global   GlobalConfig   `yaml:"global" json:"global" mapstructure:"global"`
	Scan     ScanConfig     `yaml:"scan" json:"scan" mapstructure:"scan"`
	Scanners ScannersConfig `yaml:"scanners" json:"scanners" mapstructure:"scanners"`
	Quota    QuotaConfig    `yaml:"quota" json:"quota" mapstructure:"quota"`
	AI       AIConfig       `yaml:"ai" json:"ai" mapstructure:"ai"`
	DNS      DNSConfig      `yaml:"dns" json:"dns" mapstructure:"dns"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" mapstructure:"storage"`
	Lock     LockConfig     `yaml:"lock" json:"lock" mapstructure:"lock"`
	Events   EventsConfig   `yaml:"events" json:"events" mapstructure:"events"`
	API      APIConfig      `yaml:"api" json:"api" mapstructure:"api"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" mapstructure:"log_format"`
	LogFile   string `yaml:"log_file" json:"log_file" mapstructure:"log_file"`
	UserAgent string `yaml:"user_agent" json:"user_agent" mapstructure:"user_agent"`
	DataDir   string `yaml:"data_dir" json:"data_dir" mapstructure:"data_dir"`
	Debug     bool   `yaml:"debug" json:"debug" mapstructure:"debug"`
}

type ScanConfig struct {
	GlobalTimeout   time.Duration `yaml:"global_timeout" json:"global_timeout" mapstructure:"global_timeout"`
	EnabledScanners []string      `yaml:"enabled_scanners" json:"enabled_scanners" mapstructure:"enabled_scanners"`
}

type ScannersConfig struct {
	Headers  HTTPScannerConfig  `yaml:"headers" json:"headers" mapstructure:"headers"`
	SSL      SSLScannerConfig   `yaml:"ssl" json:"ssl" mapstructure:"ssl"`
	Ports    ProbeScannerConfig `yaml:"ports" json:"ports" mapstructure:"ports"`
	Redirect ProbeScannerConfig `yaml:"redirect" json:"redirect" mapstructure:"redirect"`
	Paths    PathsScannerConfig `yaml:"paths" json:"paths" mapstructure:"paths"`
	Robots   HTTPScannerConfig  `yaml:"robots" json:"robots" mapstructure:"robots"`
}

type HTTPScannerConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

type ProbeScannerConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	MaxParallel    int           `yaml:"max_parallel" json:"max_parallel" mapstructure:"max_parallel"`
	Ports          []int         `yaml:"ports,omitempty" json:"ports,omitempty" mapstructure:"ports"`
}

type SSLScannerConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	OCSPTimeout    time.Duration `yaml:"ocsp_timeout" json:"ocsp_timeout" mapstructure:"ocsp_timeout"`
	Ports          []int         `yaml:"ports" json:"ports" mapstructure:"ports"`
	ClientHello    string        `yaml:"client_hello" json:"client_hello" mapstructure:"client_hello"`
}

type PathsScannerConfig struct {
	Timeout           time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	MaxParallel       int           `yaml:"max_parallel" json:"max_parallel" mapstructure:"max_parallel"`
	RequestsPerSecond int           `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
}

type QuotaConfig struct {
	MaxDailyRequests int `yaml:"max_daily_requests" json:"max_daily_requests" mapstructure:"max_daily_requests"`
}

type AIConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	APIKey     string        `yaml:"api_key" json:"api_key" mapstructure:"api_key"`
	Model      string        `yaml:"model" json:"model" mapstructure:"model"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
}

type DNSConfig struct {
	Servers []string      `yaml:"servers" json:"servers" mapstructure:"servers"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Retries int           `yaml:"retries" json:"retries" mapstructure:"retries"`
}

type StorageConfig struct {
	Type         string `yaml:"type" json:"type" mapstructure:"type"`
	Path         string `yaml:"path" json:"path" mapstructure:"path"`
	DSN          string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
}

type LockConfig struct {
	ValkeyAddress string        `yaml:"valkey_address" json:"valkey_address" mapstructure:"valkey_address"`
	TTL           time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" json:"amqp_url" mapstructure:"amqp_url"`
	Exchange string `yaml:"exchange" json:"exchange" mapstructure:"exchange"`
}

type APIConfig struct {
	ListenAddr string        `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	JWTSecret  string        `yaml:"jwt_secret" json:"jwt_secret" mapstructure:"jwt_secret"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

const (
	StorageTypeLocal    = "local"
	StorageTypePostgres = "postgres"
)

var (
	DefaultPorts = []int{21, 22, 23, 25, 53, 80, 110, 143, 443, 465, 587, 993, 995, 3306, 5432, 6379, 27017, 8080, 8443, 3389}

	DefaultScanners = []string{"headers", "ssl", "ports", "redirect", "paths", "robots"}
)

func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogLevel:  "info",
			LogFormat: "json",
			UserAgent: "Mozilla/5.0 (compatible; LynxScan/1.0; +https://github.com/bl4ck0w1/lynxscan)",
			DataDir:   "./data",
		},
		Scan: ScanConfig{
			GlobalTimeout:   75 * time.Second,
			EnabledScanners: append([]string(nil), DefaultScanners...),
		},
		Scanners: ScannersConfig{
			Headers: HTTPScannerConfig{Timeout: 10 * time.Second},
			SSL: SSLScannerConfig{
				ConnectTimeout: 5 * time.Second,
				OCSPTimeout:    5 * time.Second,
				Ports:          []int{443},
				ClientHello:    "chrome",
			},
			Ports: ProbeScannerConfig{
				ConnectTimeout: 3 * time.Second,
				ReadTimeout:    2 * time.Second,
				MaxParallel:    20,
				Ports:          append([]int(nil), DefaultPorts...),
			},
			Redirect: ProbeScannerConfig{
				ConnectTimeout: 3 * time.Second,
				ReadTimeout:    2 * time.Second,
				MaxParallel:    20,
			},
			Paths: PathsScannerConfig{
				Timeout:     5 * time.Second,
				MaxParallel: 10,
			},
			Robots: HTTPScannerConfig{Timeout: 10 * time.Second},
		},
		Quota: QuotaConfig{MaxDailyRequests: 5},
		AI: AIConfig{
			Timeout:    60 * time.Second,
			MaxRetries: 2,
		},
		DNS: DNSConfig{
			Timeout: 3 * time.Second,
			Retries: 1,
		},
		Storage: StorageConfig{
			Type:         StorageTypeLocal,
			Path:         "./data/storage",
			MaxOpenConns: 10,
		},
		Lock:    LockConfig{TTL: 2 * time.Minute},
		Events:  EventsConfig{Exchange: "lynxscan.events"},
		API:     APIConfig{ListenAddr: ":8080", Timeout: 90 * time.Second},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Global.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "global.log_level must be one of trace|debug|info|warn|error|fatal|panic")
	}
	switch c.Global.LogFormat {
	case "json", "text", "":
	default:
		errs = append(errs, "global.log_format must be json or text")
	}

	if c.Scan.GlobalTimeout <= 0 {
		errs = append(errs, "scan.global_timeout must be > 0")
	}
	for _, name := range c.Scan.EnabledScanners {
		if !contains(DefaultScanners, name) {
			errs = append(errs, fmt.Sprintf("scan.enabled_scanners: unknown scanner %q", name))
		}
	}

	probeChecks := map[string]ProbeScannerConfig{"ports": c.Scanners.Ports, "redirect": c.Scanners.Redirect}
	for name, pc := range probeChecks {
		if pc.ConnectTimeout <= 0 || pc.ReadTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("scanners.%s.{connect_timeout,read_timeout} must be > 0", name))
		}
		if pc.MaxParallel <= 0 {
			errs = append(errs, fmt.Sprintf("scanners.%s.max_parallel must be > 0", name))
		}
	}
	for _, p := range c.Scanners.Ports.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Sprintf("scanners.ports.ports: %d is not in 1..65535", p))
		}
	}
	if c.Scanners.SSL.ConnectTimeout <= 0 {
		errs = append(errs, "scanners.ssl.connect_timeout must be > 0")
	}
	if len(c.Scanners.SSL.Ports) == 0 {
		errs = append(errs, "scanners.ssl.ports must include at least one port")
	}
	if c.Scanners.Paths.MaxParallel <= 0 {
		errs = append(errs, "scanners.paths.max_parallel must be > 0")
	}
	if c.Scanners.Paths.RequestsPerSecond < 0 {
		errs = append(errs, "scanners.paths.requests_per_second must be >= 0")
	}
	if c.Scanners.Headers.Timeout <= 0 || c.Scanners.Robots.Timeout <= 0 || c.Scanners.Paths.Timeout <= 0 {
		errs = append(errs, "scanners.{headers,robots,paths}.timeout must be > 0")
	}

	if c.Quota.MaxDailyRequests <= 0 {
		errs = append(errs, "quota.max_daily_requests must be > 0")
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, "ai.timeout must be > 0")
	}
	if c.AI.MaxRetries < 0 {
		errs = append(errs, "ai.max_retries must be >= 0")
	}
	if c.DNS.Timeout <= 0 {
		errs = append(errs, "dns.timeout must be > 0")
	}
	if c.DNS.Retries < 0 {
		errs = append(errs, "dns.retries must be >= 0")
	}

	switch c.Storage.Type {
	case StorageTypeLocal:
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path must not be empty for local storage")
		}
	case StorageTypePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn must be set for postgres storage")
		}
	default:
		errs = append(errs, "storage.type must be local or postgres")
	}

	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be > 0")
	} else if c.Lock.TTL < c.Scan.GlobalTimeout {
		errs = append(errs, "lock.ttl must be >= scan.global_timeout")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		errs = append(errs, "events.exchange must be set when events.amqp_url is configured")
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, "api.timeout must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically write config: %w", err)
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			if err2 := json.Unmarshal(data, c); err2 != nil {
				return fmt.Errorf("parse config (yaml/json): %v | %v", err, err2)
			}
		}
	}

	return c.Validate()
}

func (c *Config) IsScannerEnabled(name string) bool {
	return contains(c.Scan.EnabledScanners, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
