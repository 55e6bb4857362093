package httpengine

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/seantiz/netbridge/internal/executor"
	"github.com/seantiz/netbridge/internal/upload"
)

func TestUploadReaderHopLifecycle(t *testing.T) {
	exec := executor.New()
	defer exec.Shutdown()
	src := upload.New([]byte("first hop body"))
	ctx := context.Background()

	first := newUploadReader(ctx, src, exec)
	buf := make([]byte, 5)
	if n, err := first.Read(buf); err != nil || string(buf[:n]) != "first" {
		t.Fatalf("Read = (%q, %v)", buf[:n], err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-first.done():
	default:
		t.Fatal("done not closed after Close")
	}
	if _, err := first.Read(buf); !errors.Is(err, errUploadReleased) {
		t.Errorf("Read after Close err = %v, want errUploadReleased", err)
	}

	second := newUploadReader(ctx, src, exec)
	if err := second.rewind(); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	body, err := io.ReadAll(second)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "first hop body" {
		t.Errorf("second hop body = %q", body)
	}
	if src.Rewinds() != 1 {
		t.Errorf("rewinds = %d, want 1", src.Rewinds())
	}
}
