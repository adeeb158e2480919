package nd

import (
	"context"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug and carries per-packet transmit
// logging that is too chatty even for debug runs.
const LevelTrace = slog.Level(-8)

func trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}
