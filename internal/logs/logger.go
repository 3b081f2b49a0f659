// Package logs builds the zap logger stack shared by every component:
// a console core for interactive use and a rotating file core for the
// long-running server.
package logs

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction. Mirrors settings the desktop shell
// would surface in settings.json under a "logging" key.
type Config struct {
	Level         string // debug, info, warn, error
	EnableConsole bool
	EnableFile    bool
	LogDir        string
	Filename      string
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	Compress      bool
	JSONFormat    bool
}

func DefaultConfig(dataDir string) Config {
	return Config{
		Level:         "info",
		EnableConsole: true,
		EnableFile:    true,
		LogDir:        filepath.Join(dataDir, "logs"),
		Filename:      "mcp-bouncer.log",
		MaxSizeMB:     20,
		MaxBackups:    5,
		MaxAgeDays:    30,
		Compress:      true,
	}
}

func parseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func fileEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// New builds a *zap.Logger from Config, tee-ing console and rotating-file
// cores.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)
	var cores []zapcore.Core

	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), level))
	}

	if cfg.EnableFile {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, err
		}
		writer := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.Filename),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder(cfg.JSONFormat), zapcore.AddSync(writer), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// NewCommandLogger returns a logger suited to one-shot CLI commands: console
// only, warn level by default, so routine commands stay quiet.
func NewCommandLogger(verbose bool) *zap.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, _ := New(Config{Level: level, EnableConsole: true})
	return logger
}

// PerServerLogger returns a named child logger for one upstream server, so
// its connection lifecycle and transport traffic can be filtered easily.
func PerServerLogger(base *zap.Logger, serverName string) *zap.Logger {
	return base.Named("upstream." + serverName)
}
