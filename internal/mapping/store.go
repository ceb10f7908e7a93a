// Package mapping persists the tmux-session → conversation-UUID map (and
// its per-session history chain) to companion-session-mappings.json under
// the watched root, using an atomic marshal-then-rename write pattern.
package mapping

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const fileName = "companion-session-mappings.json"

// fileFormat is the current on-disk shape. Legacy files are a bare
// {session: conversationUUID} object with no history; Store reads both but
// only ever writes this shape.
type fileFormat struct {
	Mappings map[string]string   `json:"mappings"`
	History  map[string][]string `json:"history"`
}

// Store holds the in-memory mapping and persists it on change.
type Store struct {
	logger *slog.Logger
	path   string

	mu          sync.Mutex
	mappings    map[string]string
	history     map[string][]string
	lastWritten string
}

// New builds a Store rooted at watchRoot/companion-session-mappings.json.
// It does not read the file; call Load for that.
func New(logger *slog.Logger, watchRoot string) *Store {
	return &Store{
		logger:   logger,
		path:     filepath.Join(watchRoot, fileName),
		mappings: make(map[string]string),
		history:  make(map[string][]string),
	}
}

// Load reads the persisted mapping file. A missing file or a malformed one
// both result in an empty store, not an error.
func (s *Store) Load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err == nil && ff.Mappings != nil {
		s.mu.Lock()
		s.mappings = ff.Mappings
		if ff.History != nil {
			s.history = ff.History
		}
		s.lastWritten = string(raw)
		s.mu.Unlock()
		return
	}

	// Fall back to the legacy flat {session: conversationUUID} shape.
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err == nil {
		s.mu.Lock()
		s.mappings = flat
		s.history = make(map[string][]string, len(flat))
		for session, conv := range flat {
			s.history[session] = []string{conv}
		}
		s.mu.Unlock()
		return
	}
	// Malformed: start empty (already the zero state).
}

// Current returns the current conversation mapped to a session.
func (s *Store) Current(session string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.mappings[session]
	return conv, ok
}

// History returns a copy of a session's history chain, oldest first.
func (s *Store) History(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[session]
	out := make([]string, len(h))
	copy(out, h)
	return out
}

// All returns a copy of the current session -> conversation map.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out
}

// Set assigns session -> conv as the current mapping, appending conv to the
// session's history if it is not already present anywhere in it
// (invariant: current ∈ history, history duplicate-free). Persists the
// store if this changed its serialized form.
func (s *Store) Set(session, conv string) {
	s.mu.Lock()
	s.mappings[session] = conv
	h := s.history[session]
	if len(h) == 0 || h[len(h)-1] != conv {
		if !containsStr(h, conv) {
			s.history[session] = append(h, conv)
		}
	}
	s.mu.Unlock()
	s.persist()
}

// Remove clears a session's current mapping; its history chain is kept.
func (s *Store) Remove(session string) {
	s.mu.Lock()
	delete(s.mappings, session)
	s.mu.Unlock()
	s.persist()
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// persist writes the file only if its serialized form changed since the
// last successful write: marshal, write to a .tmp sibling, rename over the
// real path, log-only on failure.
func (s *Store) persist() {
	s.mu.Lock()
	ff := fileFormat{Mappings: s.mappings, History: s.history}
	s.mu.Unlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("mapping: marshal failed", "err", err)
		}
		return
	}

	s.mu.Lock()
	unchanged := string(data) == s.lastWritten
	s.mu.Unlock()
	if unchanged {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		if s.logger != nil {
			s.logger.Warn("mapping: mkdir failed", "path", s.path, "err", err)
		}
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if s.logger != nil {
			s.logger.Warn("mapping: write failed", "path", tmp, "err", err)
		}
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if s.logger != nil {
			s.logger.Warn("mapping: rename failed", "path", s.path, "err", err)
		}
		return
	}

	s.mu.Lock()
	s.lastWritten = string(data)
	s.mu.Unlock()
}
