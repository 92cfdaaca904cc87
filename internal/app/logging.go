package app

import (
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging configures the global logger.
//
// The format defaults to human readable output in gin debug mode and JSON
// otherwise. With a log file configured, JSON lines are written to it in
// addition to stdout and the file is rotated.
func SetupLogging(c config.LogConfig, stdout io.Writer) (io.Closer, error) {
	level := zerolog.InfoLevel
	if gin.IsDebugging() {
		level = zerolog.DebugLevel
	}

	if c.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(c.Level))
		if err != nil {
			return nil, err
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	output := stdout
	if c.Format == "human" || (c.Format == "" && gin.IsDebugging()) {
		output = zerolog.ConsoleWriter{Out: stdout}
	}

	var closer io.Closer = nopCloser{}
	if c.File != "" {
		file := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
		output = zerolog.MultiLevelWriter(output, file)
		closer = file
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
