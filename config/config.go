// This package defines the shared config struct used by every subsystem of the encryption stack.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// RequestTimeoutMs bounds key-exchange and group-info round trips.
	RequestTimeoutMs      int64
	MaxConcurrentRequests int64

	AutoTrustIdentity bool
	SkipEncryption    []string

	SentQueueSize     int
	RetryGiveUpMemory int
	PreKeyPoolSize    int

	PendingMaxPerKey int
	PendingMaxTotal  int
	// PendingTTLMs of zero keeps undecryptable messages until a session appears or a cap evicts them.
	PendingTTLMs int64

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Returns true if messages for peer are sent without encryption.
func (c Config) SkipsEncryption(peer string) bool {
	return slices.Contains(c.SkipEncryption, peer)
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithMaxConcurrentRequests(n int64) Option {
	return func(c *Config) {
		c.MaxConcurrentRequests = n
	}
}

func WithAutoTrustIdentity(t bool) Option {
	return func(c *Config) {
		c.AutoTrustIdentity = t
	}
}

func WithSkipEncryption(peers ...string) Option {
	return func(c *Config) {
		c.SkipEncryption = append(c.SkipEncryption, peers...)
	}
}

func WithSentQueueSize(n int) Option {
	return func(c *Config) {
		c.SentQueueSize = n
	}
}

func WithPreKeyPoolSize(n int) Option {
	return func(c *Config) {
		c.PreKeyPoolSize = n
	}
}

func WithPendingLimits(perKey, total int) Option {
	return func(c *Config) {
		c.PendingMaxPerKey = perKey
		c.PendingMaxTotal = total
	}
}

func WithPendingTTLMs(n int64) Option {
	return func(c *Config) {
		c.PendingTTLMs = n
	}
}

// Disables the rotating log file, console output only.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.writer = io.Discard
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		RootDir:               ".",
		LoggingPrefix:         "",
		RequestTimeoutMs:      5000,
		MaxConcurrentRequests: 4,
		AutoTrustIdentity:     true,
		SentQueueSize:         100,
		RetryGiveUpMemory:     500,
		PreKeyPoolSize:        200,
		PendingMaxPerKey:      50,
		PendingMaxTotal:       500,
		PendingTTLMs:          0,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
