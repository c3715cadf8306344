package worker

import (
	"log/slog"
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("GEMINICHAT_WORKER_DEBUG"), "1")

// debugLog promotes worker tracing to info level when GEMINICHAT_WORKER_DEBUG=1.
func debugLog(msg string, args ...any) {
	if workerDebugEnabled {
		slog.Info(msg, args...)
		return
	}
	slog.Debug(msg, args...)
}
