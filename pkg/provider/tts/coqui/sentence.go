package coqui

import (
	"context"
	"strings"
	"unicode"
)

// sentenceReader splits a stream of text fragments into sentences. It is
// owned by one goroutine at a time.
type sentenceReader struct {
	text   <-chan string
	buf    string
	closed bool
}

// next returns the next non-blank sentence. ok is false once the text
// channel is closed and everything has been returned.
func (r *sentenceReader) next(ctx context.Context) (sentence string, ok bool, err error) {
	for {
		if i := sentenceEnd(r.buf); i > 0 {
			s := strings.TrimSpace(r.buf[:i])
			r.buf = r.buf[i:]
			if s != "" {
				return s, true, nil
			}
			continue
		}
		if r.closed {
			s := strings.TrimSpace(r.buf)
			r.buf = ""
			return s, s != "", nil
		}
		select {
		case frag, open := <-r.text:
			if !open {
				r.closed = true
				continue
			}
			r.buf += frag
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// sentenceEnd returns the length of the first complete sentence in s, or 0.
// A sentence ends at a newline, or at '.', '!' or '?' followed by whitespace,
// so "3.14" and "v1.2" stay intact. Text after the last terminator
// waits for more input.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i+1 < len(s) && unicode.IsSpace(rune(s[i+1])) {
				return i + 1
			}
		}
	}
	return 0
}
