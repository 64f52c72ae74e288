// Package replay feeds image files from disk into the pipeline at a fixed
// frame rate, standing in for a camera.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNoFrames = errors.New("no image files found")

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// Sink receives frames. The pipeline engine satisfies it.
type Sink interface {
	SubmitFrame(data []byte, mime string)
}

type Options struct {
	FPS float64
	// Loops stops the producer after that many passes; 0 loops forever.
	Loops int
}

type Producer struct {
	frames []string
	sink   Sink
	opts   Options
	logger *slog.Logger
}

// LoadFrames returns the image files in dir sorted by name.
func LoadFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}
	var frames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := imageTypes[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			frames = append(frames, filepath.Join(dir, entry.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(frames)
	return frames, nil
}

func New(dir string, sink Sink, opts Options, logger *slog.Logger) (*Producer, error) {
	if sink == nil {
		return nil, errors.New("replay: sink is required")
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("replay: fps must be > 0, got %v", opts.FPS)
	}
	frames, err := LoadFrames(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{frames: frames, sink: sink, opts: opts, logger: logger}, nil
}

func (p *Producer) Frames() []string {
	return append([]string(nil), p.frames...)
}

// Run submits one frame per tick until ctx is cancelled or the configured
// number of loops completes. It returns the number of completed loops.
func (p *Producer) Run(ctx context.Context) (int, error) {
	interval := time.Duration(float64(time.Second) / p.opts.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("replay started", "frames", len(p.frames), "fps", p.opts.FPS, "loops", p.opts.Loops)

	loops := 0
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return loops, nil
		case <-ticker.C:
			path := p.frames[idx]
			data, err := os.ReadFile(path)
			if err != nil {
				p.logger.Warn("replay frame unreadable", "path", path, "error", err)
			} else {
				p.sink.SubmitFrame(data, imageTypes[strings.ToLower(filepath.Ext(path))])
			}

			idx++
			if idx < len(p.frames) {
				continue
			}
			idx = 0
			loops++
			p.logger.Debug("replay loop completed", "loop", loops)
			if p.opts.Loops > 0 && loops >= p.opts.Loops {
				p.logger.Info("replay finished", "loops", loops)
				return loops, nil
			}
		}
	}
}
