package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReaderReadsRequest(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	r := NewReader(in)

	req, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestReaderReturnsEOFAtCleanClose(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.ReadRequest(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderRejectsOversizeLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineSize+1)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"` + huge + `"}` + "\n")
	r := NewReader(in)

	if _, err := r.ReadRequest(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestReaderWrapsMalformedJSON(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n"))
	if _, err := r.ReadRequest(); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestWriterDoesNotInterleaveConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = w.WriteNotification(NewNotification("channel.message", map[string]int{"n": i}))
		}
	}()
	for i := 0; i < 50; i++ {
		_ = w.WriteResponse(NewResult(NullID, map[string]int{"n": i}))
	}
	<-done

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 100 {
		t.Fatalf("expected 100 complete lines, got %d", len(lines))
	}
}
