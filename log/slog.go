package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	slogmulti "github.com/samber/slog-multi"
)

type RelayLogger struct {
	slog.Logger
}

var relayLogger *RelayLogger

// InitLogger initializes the global logger. When slackWebhookURL is not
// empty, records at warn level and above are also delivered to the Slack
// webhook; delivery is fire-and-forget and never fails the caller.
func InitLogger(logLevel, format, output, slackWebhookURL string) error {
	// level
	var slogLevel slog.Level
	switch logLevel {
	case "DEBUG":
		slogLevel = slog.LevelDebug
	case "INFO":
		slogLevel = slog.LevelInfo
	case "WARN":
		slogLevel = slog.LevelWarn
	case "ERROR":
		slogLevel = slog.LevelError
	default:
		return errors.New("invalid log level")
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
	}

	// output
	var writer io.Writer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		return errors.New("invalid log output")
	}

	var handler slog.Handler
	// format
	switch format {
	case "text":
		handler = slog.NewTextHandler(writer, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		return errors.New("invalid log format")
	}

	if slackWebhookURL != "" {
		handler = slogmulti.Fanout(handler, NewSlackHandler(slackWebhookURL, slog.LevelWarn))
	}

	// set global logger
	relayLogger = &RelayLogger{
		*slog.New(handler),
	}
	return nil
}

func GetLogger() *RelayLogger {
	return relayLogger
}

func (rl *RelayLogger) ErrorWithStack(msg string, err error) {
	cError := errors.NewWithDepth(1, err.Error())
	rl.Error(msg, "error", cError, "stack", fmt.Sprintf("%+v", cError))
}

// Fatal logs the error with its stack and exits with a non-zero status. The
// external supervisor restarts the process, which resumes from the last
// committed checkpoint.
func (rl *RelayLogger) Fatal(msg string, err error) {
	rl.ErrorWithStack(msg, err)
	os.Exit(1)
}

func (rl *RelayLogger) WithChannel(
	service, channel, side, chain string,
) *RelayLogger {
	return &RelayLogger{
		*rl.With(
			"service", service,
			"channel", channel,
			"side", side,
			"chain", chain,
		),
	}
}

func (rl *RelayLogger) WithHandler(
	handlerName string,
) *RelayLogger {
	return &RelayLogger{
		*rl.With(
			"handler", handlerName,
		),
	}
}
