package log

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// The goroutine id fits in the first line of a stack trace, ~25 bytes.
	stackBufSize = 32
	// Length of the "goroutine " prefix.
	goroutinePrefixLen = 10
)

// Logger is the process-wide logger. Packages log through the helpers
// below so the output format stays uniform across the server.
var Logger zerolog.Logger

var stackBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, stackBufSize)
	},
}

// goroutineID parses the current goroutine's id out of the first stack
// trace line, "goroutine 123 [running]:".
func goroutineID() string {
	buf, ok := stackBufPool.Get().([]byte)
	if !ok {
		return "unknown"
	}
	defer stackBufPool.Put(buf) //nolint:staticcheck // buf is a slice

	stackLen := runtime.Stack(buf, false)
	if stackLen <= goroutinePrefixLen {
		return "unknown"
	}

	idx := goroutinePrefixLen
	start := idx
	for idx < stackLen && buf[idx] >= '0' && buf[idx] <= '9' {
		idx++
	}
	if idx == start {
		return "unknown"
	}
	return string(buf[start:idx])
}

// goidHook tags every event with the emitting goroutine's id.
var goidHook = zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
	e.Str("goid", goroutineID())
})

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}

	Logger = zerolog.New(output).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger().
		Hook(goidHook)

	log.Logger = Logger
}

// Info logs an info message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn logs a warning message.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error logs an error message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Debug logs a debug message.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// With returns a sub-logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// SetLevel switches the global level. Unknown names fall back to info.
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	Logger = Logger.Level(parsed)
	log.Logger = Logger
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}
