package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log  zerolog.Logger
	once sync.Once
)

func init() {
	// Default logger so packages can log before Init is called (tests, tools).
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// Init configures the process-wide logger. In production the output is JSON,
// otherwise a human readable console writer is used.
func Init(environment string, debug bool) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)

		if strings.EqualFold(environment, "production") {
			log = zerolog.New(os.Stderr).With().Timestamp().Logger()
		} else {
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				With().Timestamp().Logger()
		}
	})
}

func Debug(msg string, keysAndValues ...any) {
	withFields(log.Debug(), keysAndValues).Msg(msg)
}

func Info(msg string, keysAndValues ...any) {
	withFields(log.Info(), keysAndValues).Msg(msg)
}

func Infof(format string, args ...any) {
	log.Info().Msg(fmt.Sprintf(format, args...))
}

func Warn(msg string, keysAndValues ...any) {
	withFields(log.Warn(), keysAndValues).Msg(msg)
}

func Error(msg string, err error, keysAndValues ...any) {
	withFields(log.Error().Err(err), keysAndValues).Msg(msg)
}

func Fatal(msg string, err error, keysAndValues ...any) {
	withFields(log.Fatal().Err(err), keysAndValues).Msg(msg)
}

func withFields(ev *zerolog.Event, keysAndValues []any) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	return ev
}
