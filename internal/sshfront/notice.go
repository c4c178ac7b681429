package sshfront

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgateway/bastiongate/internal/store"
)

// syncChannelWriter serializes writes to an ssh.Channel so the shell
// copy loop and the notice lines below it never interleave mid-write.
type syncChannelWriter struct {
	mu sync.Mutex
	ch ssh.Channel
}

func (w *syncChannelWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch.Write(p)
}

// validityBanner is the one-line preamble a shell channel receives
// before streaming begins (spec.md §4.6).
func validityBanner(endsAt *time.Time) string {
	if endsAt == nil {
		return "[gateway] stay has no scheduled expiry"
	}
	return fmt.Sprintf("[gateway] stay valid until %s", endsAt.UTC().Format(time.RFC3339))
}

// warningLine is the T-5min/T-1min broadcast spec.md §6 describes.
func warningLine(minutesBefore int) string {
	unit := "minutes"
	if minutesBefore == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("[gateway] session expires in %d %s", minutesBefore, unit)
}

// terminationLine is the final broadcast written just before a shell
// channel closes. An empty reason means the client itself hung up, which
// carries no broadcast-worthy cause.
func terminationLine(reason store.TerminationReason) string {
	if reason == "" || reason == store.TerminationClientClosed {
		return ""
	}
	return fmt.Sprintf("[gateway] session terminated: %s", reason)
}

// writeNotice writes one CRLF-terminated broadcast line to the client
// and, if rec is non-nil, records it as part of the shell recording.
func writeNotice(w io.Writer, rec *recorder, line string) {
	if line == "" {
		return
	}
	msg := line + "\r\n"
	_, _ = w.Write([]byte(msg))
	if rec != nil {
		_ = rec.Write("s→c", []byte(msg))
	}
}
