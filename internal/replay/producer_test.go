package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	mimes  []string
}

func (s *recordingSink) SubmitFrame(data []byte, mime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(data))
	s.mimes = append(s.mimes, mime)
}

func (s *recordingSink) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...), append([]string(nil), s.mimes...)
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFramesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.jpg", "a.PNG", "notes.txt", "c.webp")
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0o700); err != nil {
		t.Fatal(err)
	}

	frames, err := LoadFrames(dir)
	if err != nil {
		t.Fatalf("LoadFrames() error = %v", err)
	}
	want := []string{"a.PNG", "b.jpg", "c.webp"}
	if len(frames) != len(want) {
		t.Fatalf("unexpected frames: %v", frames)
	}
	for i, name := range want {
		if filepath.Base(frames[i]) != name {
			t.Fatalf("frame %d: got %q want %q", i, filepath.Base(frames[i]), name)
		}
	}
}

func TestLoadFramesEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "readme.md")
	if _, err := LoadFrames(dir); !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestRunStopsAfterLoops(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.png", "2.jpg")
	sink := &recordingSink{}

	p, err := New(dir, sink, Options{FPS: 500, Loops: 2}, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	loops, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if loops != 2 {
		t.Fatalf("unexpected loops: %d", loops)
	}

	frames, mimes := sink.snapshot()
	wantFrames := []string{"1.png", "2.jpg", "1.png", "2.jpg"}
	if len(frames) != len(wantFrames) {
		t.Fatalf("unexpected frames: %v", frames)
	}
	for i := range wantFrames {
		if frames[i] != wantFrames[i] {
			t.Fatalf("frame %d: got %q want %q", i, frames[i], wantFrames[i])
		}
	}
	if mimes[0] != "image/png" || mimes[1] != "image/jpeg" {
		t.Fatalf("unexpected mime types: %v", mimes)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.png")
	sink := &recordingSink{}

	p, err := New(dir, sink, Options{FPS: 200}, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if frames, _ := sink.snapshot(); len(frames) == 0 {
		t.Fatal("expected frames before cancel")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.png")
	if _, err := New(dir, &recordingSink{}, Options{FPS: 0}, nil); err == nil {
		t.Fatal("expected fps error")
	}
	if _, err := New(dir, nil, Options{FPS: 1}, nil); err == nil {
		t.Fatal("expected sink error")
	}
}
