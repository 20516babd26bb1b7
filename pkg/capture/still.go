package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/camwatch/go-camwatch/pkg/stats"
)

// Still describes one captured frame persisted to disk.
type Still struct {
	ID    string         `json:"id"`
	Path  string         `json:"path"`
	Seq   uint64         `json:"seq"`
	Stats stats.Snapshot `json:"stats"`
}

// CaptureStill persists the broadcaster's current frame to the output
// directory and returns its identifier. It reads the already-published
// frame, never the device, so it cannot block the capture loop.
//
// Returns ErrNoFrame before any frame has been published and ErrPersist
// (wrapped) on write failures; neither affects the running session.
func (c *Controller) CaptureStill() (Still, error) {
	c.mu.Lock()
	b := c.broadcaster
	c.mu.Unlock()

	if b == nil {
		return Still{}, ErrNoFrame
	}
	frame, err := b.Current()
	if err != nil {
		return Still{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	// Sequence number for humans, uuid for collision freedom across
	// process restarts.
	id := fmt.Sprintf("capture_%d_%s", frame.Seq, uuid.New().String())
	path := filepath.Join(c.cfg.OutputDir, id+".jpg")

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return Still{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.WriteFile(path, frame.JPEG, 0o644); err != nil {
		return Still{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	c.logger.Info("still captured", "id", id, "seq", frame.Seq, "bytes", len(frame.JPEG))

	return Still{
		ID:    id,
		Path:  path,
		Seq:   frame.Seq,
		Stats: c.tracker.Snapshot(),
	}, nil
}

// ListStills returns the filenames of captured stills in the output
// directory, sorted by name.
func (c *Controller) ListStills() ([]string, error) {
	entries, err := os.ReadDir(c.cfg.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
