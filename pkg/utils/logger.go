package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level        string `json:"level" yaml:"level"`
	Format       string `json:"format" yaml:"format"`
	Output       string `json:"output" yaml:"output"`
	FileLocation string `json:"file_location" yaml:"file_location"`
	MaxSize      int    `json:"max_size" yaml:"max_size"`
	MaxBackups   int    `json:"max_backups" yaml:"max_backups"`
	MaxAge       int    `json:"max_age" yaml:"max_age"`
	Compress     bool   `json:"compress" yaml:"compress"`
}

type Logger struct {
	*logrus.Logger
	config   LogConfig
	mu       sync.Mutex
	fileSink io.WriteCloser
	hostname string
}

// LogConfigFromGlobal maps the global section of the scanner configuration onto a
// LogConfig. A configured log file is written in addition to stderr.
func LogConfigFromGlobal(g models.GlobalConfig) LogConfig {
	cfg := LogConfig{
		Level:      g.LogLevel,
		Format:     g.LogFormat,
		Output:     "console",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	if g.Debug {
		cfg.Level = "debug"
	}
	if g.LogFile != "" {
		cfg.Output = "both"
		cfg.FileLocation = g.LogFile
	}
	return cfg
}

func NewLogger(config LogConfig, service, version string) (*Logger, error) {
	l := &Logger{
		Logger:   logrus.New(),
		config:   normalizeConfig(config),
		hostname: getHostname(),
	}

	level, err := logrus.ParseLevel(l.config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(true)

	switch l.config.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: prettyCaller,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
				logrus.FieldKeyFile:  "source",
			},
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat:  time.RFC3339,
			FullTimestamp:    true,
			DisableColors:    l.config.Output != "console",
			CallerPrettyfier: prettyCaller,
		})
	}

	if err := l.setOutput(); err != nil {
		return nil, err
	}

	l.AddHook(&StaticFieldsHook{Fields: logrus.Fields{
		"service":  service,
		"version":  version,
		"hostname": l.hostname,
	}})
	l.AddHook(&SecretsHook{})
	return l, nil
}

func normalizeConfig(c LogConfig) LogConfig {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output == "" {
		c.Output = "console"
	}
	return c
}

func (l *Logger) setOutput() error {
	var writers []io.Writer

	wantFile := l.config.Output == "file" || l.config.Output == "both"
	if wantFile && l.config.FileLocation != "" {
		if err := os.MkdirAll(filepath.Dir(l.config.FileLocation), 0o755); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   l.config.FileLocation,
			MaxSize:    max(1, l.config.MaxSize),
			MaxBackups: max(0, l.config.MaxBackups),
			MaxAge:     max(0, l.config.MaxAge),
			Compress:   l.config.Compress,
		}
		l.fileSink = lj
		writers = append(writers, lj)
	}

	// scan results go to stdout, so console logging uses stderr
	if l.config.Output == "console" || l.config.Output == "both" || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	l.SetOutput(io.MultiWriter(writers...))
	return nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileSink != nil {
		err := l.fileSink.Close()
		l.fileSink = nil
		return err
	}
	return nil
}

// prettyCaller reports "pkg.Func" and "file.go:line" instead of full paths.
func prettyCaller(f *runtime.Frame) (function string, file string) {
	fn := f.Function
	if idx := strings.LastIndex(fn, "/"); idx >= 0 && idx+1 < len(fn) {
		fn = fn[idx+1:]
	}
	return fn, fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// StaticFieldsHook stamps the same fields on every entry.
type StaticFieldsHook struct {
	Fields logrus.Fields
}

func (h *StaticFieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *StaticFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.Fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

// SecretsHook masks fields whose key names a credential, such as api_key, dsn or
// authorization.
type SecretsHook struct{}

func (h *SecretsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *SecretsHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		if _, ok := secretKeys[strings.ToLower(k)]; ok {
			if s, isString := v.(string); isString && s == "" {
				continue
			}
			entry.Data[k] = redactedValue
		}
	}
	return nil
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// NewNopLogger discards everything; used by tests and library callers that pass nil.
func NewNopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
