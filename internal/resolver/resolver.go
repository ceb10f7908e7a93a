// Package resolver implements the Conversation↔Session Resolver: the
// priority cascade that assigns each in-scope tmux session at most one
// current conversation id, persisting the result through internal/mapping.
package resolver

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/loppo-llc/tether/internal/mapping"
	"github.com/loppo-llc/tether/internal/tmux"
)

const (
	defaultScrollbackMinLen = 4
	scrollbackTailBytes     = 64 * 1024
	// promptChar is the terminal prompt glyph used to recognize a user-input
	// line in scrollback ( open question: left hard-coded, matching
	// the source, pending a decision on configurability — see DESIGN.md).
	promptChar = "❯"
)

// SessionInfo is the subset of a tmux session's attributes the cascade
// needs for one resolve pass.
type SessionInfo struct {
	Name       string
	EncodedDir string
	PanePID    int
}

// ConversationInfo is the subset of a tracked conversation's attributes the
// cascade needs for one resolve pass.
type ConversationInfo struct {
	ID         string
	EncodedDir string
	Path       string
	ModTimeMs  int64
}

// Resolver runs the cascade and owns the newly-created/compacted session
// flags.
type Resolver struct {
	logger    *slog.Logger
	store     *mapping.Store
	probe     *tmux.Probe
	watchRoot string

	mu           sync.Mutex
	newlyCreated map[string]time.Time
	compacted    map[string]bool
}

// New builds a Resolver. probe may be nil in tests that never exercise the
// PID/scrollback strategies.
func New(logger *slog.Logger, store *mapping.Store, probe *tmux.Probe, watchRoot string) *Resolver {
	return &Resolver{
		logger:       logger,
		store:        store,
		probe:        probe,
		watchRoot:    watchRoot,
		newlyCreated: make(map[string]time.Time),
		compacted:    make(map[string]bool),
	}
}

// MarkNewlyCreated flags a session as just-created at time.Now, so it is
// deliberately left unmapped until a genuinely new file appears (step 2).
func (r *Resolver) MarkNewlyCreated(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newlyCreated[session] = time.Now()
}

// MarkCompacted flags a session as having just had a live compaction
// detected on its current conversation.
func (r *Resolver) MarkCompacted(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compacted[session] = true
}

// ClearCompacted clears the compacted flag, whether via a successful
// remapping or the session being removed entirely.
func (r *Resolver) ClearCompacted(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compacted, session)
}

// IsCompacted reports whether a session currently carries the compacted
// flag.
func (r *Resolver) IsCompacted(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compacted[session]
}

// Forget drops all per-session state for a removed session.
func (r *Resolver) Forget(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.newlyCreated, session)
	delete(r.compacted, session)
}

// Resolve runs the full cascade once and returns the names of sessions that
// hold a valid mapping after this pass (newly assigned or already valid).
func (r *Resolver) Resolve(sessions []SessionInfo, conversations []ConversationInfo) []string {
	byID := make(map[string]ConversationInfo, len(conversations))
	byDir := make(map[string][]ConversationInfo)
	for _, c := range conversations {
		byID[c.ID] = c
		byDir[c.EncodedDir] = append(byDir[c.EncodedDir], c)
	}

	claimed := make(map[string]bool)
	var resolved []string
	assign := func(session, conv string) {
		r.store.Set(session, conv)
		claimed[conv] = true
		resolved = append(resolved, session)
	}

	// Step 6 (applied first since it rewrites an existing mapping):
	// compaction re-mapping.
	r.applyCompactionRemap(sessions, byDir, claimed, assign)

	// Step 1: preserve existing valid mappings.
	var unmapped []SessionInfo
	for _, s := range sessions {
		conv, ok := r.store.Current(s.Name)
		if !ok {
			unmapped = append(unmapped, s)
			continue
		}
		if claimed[conv] {
			resolved = append(resolved, s.Name)
			continue
		}
		if _, tracked := byID[conv]; tracked {
			claimed[conv] = true
			resolved = append(resolved, s.Name)
			continue
		}
		if r.conversationFileExists(s.EncodedDir, conv) {
			claimed[conv] = true
			resolved = append(resolved, s.Name)
			continue
		}
		unmapped = append(unmapped, s)
	}

	// Step 2: newly-created guard.
	var afterGuard []SessionInfo
	for _, s := range unmapped {
		r.mu.Lock()
		createdAt, isNew := r.newlyCreated[s.Name]
		r.mu.Unlock()
		if !isNew {
			afterGuard = append(afterGuard, s)
			continue
		}
		assigned := false
		for _, c := range byDir[s.EncodedDir] {
			if claimed[c.ID] {
				continue
			}
			if c.ModTimeMs > createdAt.UnixMilli() {
				assign(s.Name, c.ID)
				r.mu.Lock()
				delete(r.newlyCreated, s.Name)
				r.mu.Unlock()
				assigned = true
				break
			}
		}
		if !assigned {
			// deliberately left unmapped
			continue
		}
	}
	unmapped = afterGuard

	// Step 3: PID-based detection.
	var afterPID []SessionInfo
	for _, s := range unmapped {
		if s.PanePID != 0 {
			if convID, ok := r.detectViaPID(s.PanePID, byID, claimed); ok {
				assign(s.Name, convID)
				continue
			}
		}
		afterPID = append(afterPID, s)
	}
	unmapped = afterPID

	// Step 4: terminal scrollback matching, only in shared directories.
	dirSessionCount := make(map[string]int)
	for _, s := range sessions {
		dirSessionCount[s.EncodedDir]++
	}
	var afterScrollback []SessionInfo
	for _, s := range unmapped {
		if r.probe != nil && dirSessionCount[s.EncodedDir] >= 2 {
			if convID, ok := r.detectViaScrollback(s, byDir[s.EncodedDir], claimed); ok {
				assign(s.Name, convID)
				continue
			}
		}
		afterScrollback = append(afterScrollback, s)
	}
	unmapped = afterScrollback

	// Step 5: elimination.
	byDirUnmapped := make(map[string][]SessionInfo)
	for _, s := range unmapped {
		byDirUnmapped[s.EncodedDir] = append(byDirUnmapped[s.EncodedDir], s)
	}
	for dir, group := range byDirUnmapped {
		if len(group) != 1 {
			continue
		}
		var candidates []ConversationInfo
		for _, c := range byDir[dir] {
			if !claimed[c.ID] {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 1 {
			assign(group[0].Name, candidates[0].ID)
		}
	}

	return resolved
}

func (r *Resolver) conversationFileExists(encodedDir, conv string) bool {
	path := filepath.Join(r.watchRoot, encodedDir, conv+".jsonl")
	_, err := os.Stat(path)
	return err == nil
}

// applyCompactionRemap implements cascade step 6: when exactly one session
// in a directory carries the compacted flag, and exactly one
// conversation in that directory is not already part of that session's
// history, rewrite the mapping to the new conversation and clear the flag.
func (r *Resolver) applyCompactionRemap(sessions []SessionInfo, byDir map[string][]ConversationInfo, claimed map[string]bool, assign func(session, conv string)) {
	dirSessions := make(map[string][]SessionInfo)
	for _, s := range sessions {
		dirSessions[s.EncodedDir] = append(dirSessions[s.EncodedDir], s)
	}
	for dir, group := range dirSessions {
		var compactedInDir []SessionInfo
		for _, s := range group {
			if r.IsCompacted(s.Name) {
				compactedInDir = append(compactedInDir, s)
			}
		}
		if len(compactedInDir) != 1 {
			continue // zero or ambiguous: do not re-map
		}
		session := compactedInDir[0]
		hist := r.store.History(session.Name)
		inHistory := make(map[string]bool, len(hist))
		for _, h := range hist {
			inHistory[h] = true
		}
		var fresh []ConversationInfo
		for _, c := range byDir[dir] {
			if !inHistory[c.ID] {
				fresh = append(fresh, c)
			}
		}
		if len(fresh) == 1 {
			assign(session.Name, fresh[0].ID)
			r.ClearCompacted(session.Name)
		}
	}
}

// detectViaPID walks the pane PID's descendant process tree and scans each
// descendant's open file descriptors for an unclaimed tracked conversation
// path.
func (r *Resolver) detectViaPID(panePID int, byID map[string]ConversationInfo, claimed map[string]bool) (string, bool) {
	for _, pid := range descendantPIDs(panePID) {
		for _, path := range openJSONLPaths(pid, r.watchRoot) {
			id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
			if claimed[id] {
				continue
			}
			if _, ok := byID[id]; ok {
				return id, true
			}
		}
	}
	return "", false
}

// detectViaScrollback captures a session's pane scrollback, extracts
// recent prompt-prefixed user-input lines, and tests each (newest first)
// against the tail of every unclaimed candidate conversation file. A line
// that uniquely identifies one file resolves the mapping.
func (r *Resolver) detectViaScrollback(s SessionInfo, candidates []ConversationInfo, claimed map[string]bool) (string, bool) {
	scrollback := r.probe.CapturePane(s.Name)
	if scrollback == nil {
		return "", false
	}
	lines := extractPromptLines(string(scrollback), promptChar, defaultScrollbackMinLen)

	var avail []ConversationInfo
	for _, c := range candidates {
		if !claimed[c.ID] {
			avail = append(avail, c)
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		var matches []string
		for _, c := range avail {
			if fileTailContains(c.Path, line, scrollbackTailBytes) {
				matches = append(matches, c.ID)
			}
		}
		if len(matches) == 1 {
			return matches[0], true
		}
	}
	return "", false
}

// extractPromptLines returns the text following promptChar on each
// scrollback line that is at least minLen runes long, in the order they
// appear (oldest first, matching capture-pane's top-to-bottom order).
func extractPromptLines(scrollback, promptChar string, minLen int) []string {
	var out []string
	for _, line := range strings.Split(scrollback, "\n") {
		idx := strings.Index(line, promptChar)
		if idx < 0 {
			continue
		}
		text := strings.TrimSpace(line[idx+len(promptChar):])
		if len([]rune(text)) >= minLen {
			out = append(out, text)
		}
	}
	return out
}

// fileTailContains reports whether needle appears in the last tailBytes of
// the file at path.
func fileTailContains(path, needle string, tailBytes int64) bool {
	if needle == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	start := info.Size() - tailBytes
	if start < 0 {
		start = 0
	}
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil && len(buf) == 0 {
		return false
	}
	return strings.Contains(string(buf), needle)
}

// descendantPIDs enumerates rootPID and every process transitively
// parented by it, via a single process-table snapshot.
func descendantPIDs(rootPID int) []int {
	procs, err := ps.Processes()
	if err != nil {
		return nil
	}
	children := make(map[int][]int)
	for _, p := range procs {
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}
	var out []int
	var walk func(pid int)
	walk = func(pid int) {
		out = append(out, pid)
		for _, c := range children[pid] {
			walk(c)
		}
	}
	walk(rootPID)
	return out
}

// openJSONLPaths reads pid's open file descriptors (via /proc) and returns
// the ones pointing at a .jsonl file under watchRoot, excluding any path
// with a subagents/ segment. Unreadable /proc entries (permission,
// platform without /proc, process already exited) yield nil, not an error.
func openJSONLPaths(pid int, watchRoot string) []string {
	fdDir := procFdDir(pid)
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		link, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if !strings.HasSuffix(link, ".jsonl") {
			continue
		}
		if strings.Contains(filepath.ToSlash(link), "/subagents/") {
			continue
		}
		rel, err := filepath.Rel(watchRoot, link)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		out = append(out, link)
	}
	return out
}

func procFdDir(pid int) string {
	return filepath.Join("/proc", itoa(pid), "fd")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
