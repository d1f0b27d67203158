package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	ChatWidthKey     = "orchestrator_chat_width"
	debounceDuration = 100 * time.Millisecond
)

type Width string

const (
	WidthSmall  Width = "sm"
	WidthMedium Width = "md"
	WidthLarge  Width = "lg"
)

var widthOrder = []Width{WidthSmall, WidthMedium, WidthLarge}

func ParseWidth(raw string) (Width, bool) {
	switch w := Width(strings.ToLower(strings.TrimSpace(raw))); w {
	case WidthSmall, WidthMedium, WidthLarge:
		return w, true
	default:
		return WidthSmall, false
	}
}

func (w Width) Pixels() int {
	switch w {
	case WidthMedium:
		return 518
	case WidthLarge:
		return 618
	default:
		return 418
	}
}

// Next cycles sm -> md -> lg -> sm.
func (w Width) Next() Width {
	for i, candidate := range widthOrder {
		if candidate == w {
			return widthOrder[(i+1)%len(widthOrder)]
		}
	}
	return WidthMedium
}

type Logger interface {
	Printf(format string, args ...any)
}

// DefaultPath is preferences.json under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relaydash", "preferences.json"), nil
}

// Store holds the persisted client-local preferences. Unknown keys in the
// file are preserved on write.
type Store struct {
	path   string
	logger Logger

	mu        sync.RWMutex
	width     Width
	raw       map[string]any
	observers map[int]func(Width)
	nextID    int
}

func Open(path string, logger Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	s := &Store{
		path:      path,
		logger:    logger,
		width:     WidthSmall,
		raw:       map[string]any{},
		observers: map[int]func(Width){},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) ChatWidth() Width {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width
}

// Reload re-reads the file. A missing file or an unrecognised value yields sm.
func (s *Store) Reload() error {
	raw := map[string]any{}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case len(strings.TrimSpace(string(data))) > 0:
		if err := json.Unmarshal(data, &raw); err != nil {
			s.logf("prefs: ignoring unreadable %s: %v", s.path, err)
			raw = map[string]any{}
		}
	}
	value, _ := raw[ChatWidthKey].(string)
	width, ok := ParseWidth(value)
	if !ok && value != "" {
		s.logf("prefs: invalid %s %q, using %s", ChatWidthKey, value, width)
	}
	s.set(width, raw)
	return nil
}

func (s *Store) SetChatWidth(w Width) error {
	if _, ok := ParseWidth(string(w)); !ok {
		return fmt.Errorf("invalid chat width %q", w)
	}
	s.mu.RLock()
	raw := make(map[string]any, len(s.raw)+1)
	for k, v := range s.raw {
		raw[k] = v
	}
	s.mu.RUnlock()
	raw[ChatWidthKey] = string(w)

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	s.set(w, raw)
	return nil
}

// Toggle advances the chat width and persists it.
func (s *Store) Toggle() (Width, error) {
	next := s.ChatWidth().Next()
	if err := s.SetChatWidth(next); err != nil {
		return s.ChatWidth(), err
	}
	return next, nil
}

func (s *Store) Subscribe(fn func(Width)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Watch reloads the store whenever the file changes on disk, until ctx is
// cancelled. The parent directory is watched so atomic renames are seen.
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(s.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(debounceDuration)
		case <-debounce.C:
			if err := s.Reload(); err != nil {
				s.logf("prefs: reload %s: %v", s.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("prefs: watcher error: %v", err)
		}
	}
}

func (s *Store) set(w Width, raw map[string]any) {
	s.mu.Lock()
	changed := s.width != w
	s.width = w
	s.raw = raw
	var observers []func(Width)
	if changed {
		for _, obs := range s.observers {
			observers = append(observers, obs)
		}
	}
	s.mu.Unlock()
	for _, obs := range observers {
		obs(w)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
