package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydash/internal/dashstate"
)

// File appends one JSON line per event. Later lines for the same id supersede
// earlier ones.
type File struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f}, nil
}

func (a *File) Path() string {
	return a.path
}

func (a *File) Append(_ context.Context, events []dashstate.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if ev.ID == "" {
			return ErrInvalidInput
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return os.ErrClosed
	}
	if _, err := a.f.WriteString(buf.String()); err != nil {
		return err
	}
	return a.f.Sync()
}

func (a *File) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// ReadFile replays a JSONL archive, keeping the last line written for each id,
// in first-seen order.
func ReadFile(path string) ([]dashstate.CanonicalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var order []string
	latest := map[string]dashstate.CanonicalEvent{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev dashstate.CanonicalEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, err
		}
		if _, seen := latest[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		latest[ev.ID] = ev
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := make([]dashstate.CanonicalEvent, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}
