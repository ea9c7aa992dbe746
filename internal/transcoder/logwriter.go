package transcoder

import (
	"bytes"
	"log/slog"
	"sync"
)

// logWriter forwards process output to the logger one line at a time. A
// partial trailing line is held until its newline arrives or Flush is called.
type logWriter struct {
	log *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(log *slog.Logger, stream string) *logWriter {
	return &logWriter{log: log.With(slog.String("output", stream))}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(p)
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	return total, nil
}

// Flush logs any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.log.Debug(string(line))
}
