package process

import (
	"bytes"
	"strings"
	"time"
)

// maxLine caps a partial line; engines occasionally print long JSON blobs
// without a newline and the buffer must not grow without bound.
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines and emits each one as a Chunk.
// Each instance is written by exactly one exec copier goroutine.
type lineWriter struct {
	stream Stream
	emit   func(Chunk)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.send(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(b []byte) {
	text := strings.TrimRight(string(b), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	w.emit(Chunk{Stream: w.stream, Text: text, At: time.Now()})
}
