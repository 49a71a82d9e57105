package saga

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goliatone/go-saga/recoverability"
)

const ErrCodePanic = "SAGA_PANIC"

// panicError converts a recovered value into a permanent failure carrying a
// trimmed stack trace.
func panicError(funcName string, recovered any, fields map[string]any) error {
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	stack = cleanStackTrace(stack[:n])

	var source error
	if err, ok := recovered.(error); ok {
		source = err
	}

	meta := mergeFields(fields, map[string]any{
		"panic":      fmt.Sprintf("%v", recovered),
		"panic_type": fmt.Sprintf("%T", recovered),
		"stack":      string(stack),
	})
	err := cloneSagaError(ErrStepFailed,
		fmt.Sprintf("recovered from panic in %s: %v", funcName, recovered), source, meta).
		WithTextCode(ErrCodePanic)
	return recoverability.MarkPermanent(err)
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

	// drop the panic() frame and its file reference line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
