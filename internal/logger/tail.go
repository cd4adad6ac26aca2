package logger

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
)

const tailChunk = 16 * 1024

// Tail returns up to the last n lines of the file at path, oldest first. It
// reads backwards so large engine logs are not loaded whole. A missing file
// yields no lines and no error.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	end := fi.Size()
	var buf []byte
	for end > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		size := int64(tailChunk)
		if end < size {
			size = end
		}
		end -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, end); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
	}
	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
