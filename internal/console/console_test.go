package console

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestFeedDetectsPromptSuffix(t *testing.T) {
	s := New("=>")
	done := make(chan error, 1)
	go func() { done <- s.WaitPrompt(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	s.Feed([]byte("U-Boot 2021.01\n"))
	s.Feed([]byte("=>"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitPrompt: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPrompt did not return after prompt suffix")
	}
}

func TestFeedTrimsTrailingWhitespaceBeforeMatch(t *testing.T) {
	s := New("=>")
	s.Feed([]byte("=> \r\n"))
	if err := s.WaitPrompt(context.Background()); err != nil {
		t.Fatalf("WaitPrompt: %v", err)
	}
}

func TestWaitPromptRespectsContext(t *testing.T) {
	s := New("=>")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.WaitPrompt(ctx); err == nil {
		t.Fatal("expected WaitPrompt to return a context error")
	}
}

func TestFeedWritesToLog(t *testing.T) {
	s := New("=>")
	var buf bytes.Buffer
	s.SetLog(&buf)
	s.Feed([]byte("hello"))
	if buf.String() != "hello" {
		t.Fatalf("log = %q, want hello", buf.String())
	}
}

func TestBytesReturnsCopy(t *testing.T) {
	s := New("")
	s.Feed([]byte("abc"))
	b := s.Bytes()
	b[0] = 'z'
	if s.Bytes()[0] != 'a' {
		t.Fatal("Bytes() leaked internal buffer")
	}
}
