package experiment

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicLogger receives a recovered panic together with a trimmed stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a function meant to be deferred; it recovers a
// panic and hands it to logger.
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			fullStack := make([]byte, 8096)
			n := runtime.Stack(fullStack, false)
			logger(funcName, err, cleanStackTrace(fullStack[:n]), fields...)
		}
	}
}

// LoggerPanicHandler reports recovered panics through a Logger.
func LoggerPanicHandler(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithLoggerFields(logger, fields[0])
		}
		l.Error("recovered from panic in %s: %v (%T)\n%s", funcName, err, err, stack)
	}
}

// RecoverError converts a recovered panic value into an error.
func RecoverError(rec any) error {
	if rec == nil {
		return nil
	}
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", rec)
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
