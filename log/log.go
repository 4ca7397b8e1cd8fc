// Package log provides the logging functionality for distcheck.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process wide logger. Commands replace it once flags are parsed.
var Logger *zap.SugaredLogger

func init() {
	Logger = CreateLogger(zap.NewAtomicLevel())
}

func DefaultLoggerConfig() *zap.Config {
	c := zap.NewProductionConfig()
	c.Encoding = "console"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	c.DisableStacktrace = true
	return &c
}

// ParseLogLevel parses levels such as "debug" or "warn". An empty string means info.
func ParseLogLevel(logLevel string) (zap.AtomicLevel, error) {
	zapLvl := zap.NewAtomicLevel()
	if logLevel != "" && logLevel != "info" {
		var err error
		zapLvl, err = zap.ParseAtomicLevel(logLevel)
		if err != nil {
			return zap.AtomicLevel{}, err
		}
	}
	return zapLvl, nil
}

func CreateLogger(logLevel zap.AtomicLevel) *zap.SugaredLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = logLevel

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// SetLevel rebuilds Logger at the given level.
func SetLevel(logLevel string) error {
	lvl, err := ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	Logger = CreateLogger(lvl)
	return nil
}
