package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logConfig struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

func logConfigFromViper() logConfig {
	c := logConfig{
		Level:      viper.GetString("log-level"),
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		WithCaller: viper.GetBool("with-caller"),
	}
	if viper.GetBool("verbose") && c.Level != zerolog.LevelTraceValue {
		c.Level = zerolog.LevelDebugValue
	}
	return c
}

// setupLogging points the global zerolog logger at stderr, plus a rotated
// plain text file when one is configured.
func setupLogging(c logConfig) error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", c.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	switch c.Format {
	case "text", "":
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	case "json":
	default:
		return errors.Errorf("invalid log format %q", c.Format)
	}
	if c.File != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   c.File,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}

	ctx := zerolog.New(w).With().Timestamp()
	if c.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
