// Package console implements ConsoleStream (spec §4.2, §4.5): an
// append-only text buffer fed by interrupt-in fragments that are not image
// request markers, with prompt-suffix detection used to drive the
// WaitForCompletion branch of a DeviceSession running in USB console mode.
package console

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Stream accumulates console text and wakes waiters once a configured
// suffix (the literal U-Boot prompt "=>" in practice) has appeared at the
// end of the accumulated text.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	suffix string
	seen   bool
	log    io.Writer
}

// New creates a Stream that wakes WaitPrompt callers once suffix has been
// observed at the tail of the fed text.
func New(suffix string) *Stream {
	s := &Stream{suffix: suffix}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetLog directs every fed fragment to w as well, mirroring the persisted
// console.log the temp directory accumulates (spec §6).
func (s *Stream) SetLog(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = w
}

// Feed appends data to the buffer and, if its configured suffix now
// terminates the accumulated text, wakes any goroutine blocked in
// WaitPrompt. Feed is safe to call from the USB callback-dispatch worker.
func (s *Stream) Feed(data []byte) {
	s.mu.Lock()
	s.buf.Write(data)
	if s.log != nil {
		_, _ = s.log.Write(data)
	}
	if !s.seen && s.suffix != "" && hasSuffixTrimRight(s.buf.Bytes(), s.suffix) {
		s.seen = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// hasSuffixTrimRight reports whether b, with trailing CR/LF/space trimmed,
// ends with suffix. The device's console driver often pads a prompt line
// with a trailing newline before the host's next interrupt-in read.
func hasSuffixTrimRight(b []byte, suffix string) bool {
	end := len(b)
	for end > 0 {
		switch b[end-1] {
		case '\r', '\n', ' ':
			end--
			continue
		}
		break
	}
	return bytes.HasSuffix(b[:end], []byte(suffix))
}

// WaitPrompt blocks until the configured suffix has been observed or ctx is
// done. It may return immediately if the suffix was already seen before
// WaitPrompt was called.
func (s *Stream) WaitPrompt(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders this wake-up after the waiter's ctx
			// check, so it cannot be lost before cond.Wait is reached.
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Bytes returns a copy of everything fed so far.
func (s *Stream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// Reset clears the buffer and prompt-seen state, so a later WaitPrompt
// waits for a fresh prompt. The session code does not call it.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.seen = false
}
