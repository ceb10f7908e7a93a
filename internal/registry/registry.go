// Package registry implements the Session Registry & Event Engine: the
// public face of the core. It holds the canonical conversation cache, the
// tmux session set, and the mapping, consumes parsed timelines, and
// produces deduplicated events.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loppo-llc/tether/internal/detect"
	"github.com/loppo-llc/tether/internal/mapping"
	"github.com/loppo-llc/tether/internal/resolver"
	"github.com/loppo-llc/tether/internal/timeline"
	"github.com/loppo-llc/tether/internal/tmux"
	"github.com/loppo-llc/tether/internal/watch"
)

// Status is the public registry entry's coarse state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusError   Status = "error"
)

const (
	waitingConfirmDelay = 3 * time.Second
	initialLoadWindow   = 3 * time.Second
	recentActivityLimit = 50
)

// Entry is the public, per-tmux-session registry view.
type Entry struct {
	ID               string
	ProjectPath      string
	ConversationPath string
	LastActivityMs   int64
	Status           Status
	CurrentActivity  string
	TaskSummary      string
	RecentTimestamps []int64
}

type tmuxSessionState struct {
	Name       string
	WorkingDir string
	EncodedDir string
	PanePID    int
}

type trackedConversation struct {
	ID              string
	Path            string
	EncodedDir      string
	ProjectPath     string
	LastModifiedMs  int64
	MessageCount    int
	Timeline        *timeline.Timeline
	IsWaiting       bool
	IsRunning       bool
	LastErrorCount  int
	LastPendingKey  string
	LastCheckedLine int
	TaskSummary     string
	RecentTimes     []int64
	LastOwner       string

	waitingTimer *time.Timer
}

// Registry is the single owner of conversation and tmux-session state; all
// mutation is serialized through its mutex.
type Registry struct {
	logger    *slog.Logger
	cfg       timeline.ToolConfig
	store     *mapping.Store
	resolver  *resolver.Resolver
	probe     *tmux.Probe
	broker    *Broker
	watchRoot string
	startedAt time.Time

	mu            sync.Mutex
	conversations map[string]*trackedConversation
	tmuxSessions  map[string]tmuxSessionState
	activeSession string
	activeSet     bool
}

// New builds a Registry.
func New(logger *slog.Logger, cfg timeline.ToolConfig, store *mapping.Store, res *resolver.Resolver, probe *tmux.Probe, watchRoot string) *Registry {
	return &Registry{
		logger:        logger,
		cfg:           cfg,
		store:         store,
		resolver:      res,
		probe:         probe,
		broker:        NewBroker(),
		watchRoot:     watchRoot,
		startedAt:     time.Now(),
		conversations: make(map[string]*trackedConversation),
		tmuxSessions:  make(map[string]tmuxSessionState),
	}
}

// Broker exposes the event broker for the transport layer to subscribe to.
func (r *Registry) Broker() *Broker { return r.broker }

// HandleFileEvent runs one per-file-change pass for a watch.Event delivered
// by the File Tailer: parse, compute waiting/pending/error state, resolve
// the owning tmux session, update the tracked record, then emit events.
func (r *Registry) HandleFileEvent(ev watch.Event) {
	tl := timeline.ParseWithConfig(ev.Content, r.cfg)

	r.mu.Lock()
	tc, existed := r.conversations[ev.ConversationID]
	if !existed {
		tc = &trackedConversation{
			ID:         ev.ConversationID,
			Path:       ev.Path,
			EncodedDir: filepath.Base(filepath.Dir(ev.Path)),
		}
		tc.ProjectPath = decodeEncodedDir(tc.EncodedDir)
		r.conversations[ev.ConversationID] = tc
	}

	compactionEvent, newLastLine := detect.DetectCompaction(ev.Content, tc.LastCheckedLine)
	isLiveCompaction := compactionEvent != nil && existed
	tc.LastCheckedLine = newLastLine

	prevMessageCount := tc.MessageCount
	prevWaiting := tc.IsWaiting
	prevErrorCount := tc.LastErrorCount
	prevPendingKey := tc.LastPendingKey

	newMessageCount := len(tl.Entries)
	waitingNow := detect.WaitingForInput(tl, r.cfg)
	pendingTools := detect.PendingApprovalTools(tl, r.cfg)
	pendingKey := detect.PendingApprovalKey(pendingTools)
	errCount := countErrors(tl)
	activity, _ := detect.CurrentActivity(tl, r.cfg)

	tc.Timeline = tl
	tc.MessageCount = newMessageCount
	tc.LastModifiedMs = time.Now().UnixMilli()
	tc.LastErrorCount = errCount
	tc.TaskSummary = activity
	tc.RecentTimes = recentTimestamps(tl)

	transitioningIntoWaiting := waitingNow && !tc.IsWaiting
	triggeredByApproval := len(pendingTools) > 0

	if transitioningIntoWaiting && triggeredByApproval {
		if tc.waitingTimer != nil {
			tc.waitingTimer.Stop()
		}
		convID := ev.ConversationID
		tc.waitingTimer = time.AfterFunc(waitingConfirmDelay, func() {
			r.confirmWaiting(convID)
		})
	} else {
		if tc.waitingTimer != nil {
			tc.waitingTimer.Stop()
			tc.waitingTimer = nil
		}
		tc.IsWaiting = waitingNow
	}
	// A tracked conversation is live (non-terminal) from the moment a
	// non-empty timeline is parsed; it stops being running only when it is
	// evicted, not when it merely enters the waiting sub-state.
	if newMessageCount > 0 {
		tc.IsRunning = true
	}

	if pendingKey != "" {
		tc.LastPendingKey = pendingKey
	}

	if !existed {
		r.runResolverLocked()
	}

	owner, hasOwner := r.ownerOfLocked(ev.ConversationID)
	if hasOwner {
		tc.LastOwner = owner
	}
	r.maybeAutoSelectActiveLocked(owner)
	isActive := hasOwner && r.activeSession == owner

	r.mu.Unlock()

	if !hasOwner {
		return
	}

	messagesChanged := newMessageCount != prevMessageCount
	statusChanged := tc.IsWaiting != prevWaiting

	if messagesChanged {
		r.broker.Publish(Event{Type: "conversation-update", SessionID: owner, Payload: map[string]any{
			"path":     tc.Path,
			"messages": tc.MessageCount,
		}})
	}
	if statusChanged || messagesChanged {
		payload := map[string]any{"isWaitingForInput": tc.IsWaiting, "currentActivity": activity}
		r.broker.Publish(Event{Type: "status-change", SessionID: owner, Payload: payload})
		if !isActive {
			r.broker.Publish(Event{Type: "other-session-activity", SessionID: owner, Payload: map[string]any{
				"projectPath":       tc.ProjectPath,
				"sessionName":       owner,
				"isWaitingForInput": tc.IsWaiting,
				"newMessageCount":   tc.MessageCount,
			}})
		}
	}
	if pendingKey != "" && pendingKey != prevPendingKey {
		r.broker.Publish(Event{Type: "pending-approval", SessionID: owner, Payload: map[string]any{
			"projectPath": tc.ProjectPath,
			"tools":       pendingTools,
		}})
	}
	if isLiveCompaction {
		r.resolver.MarkCompacted(owner)
		r.broker.Publish(Event{Type: "compaction", SessionID: owner, Payload: map[string]any{
			"projectPath": tc.ProjectPath,
			"sessionName": owner,
			"summary":     compactionEvent.Summary,
			"timestamp":   compactionEvent.Timestamp,
		}})
	}
	if errCount > prevErrorCount {
		r.broker.Publish(Event{Type: "error-detected", SessionID: owner, Payload: map[string]any{
			"projectPath": tc.ProjectPath,
			"sessionName": owner,
			"content":     activity,
		}})
	}
}

// confirmWaiting fires when a waiting-confirmation timer elapses
// undisturbed: the debounced transition into waiting is now genuine, so
// flip the flag and emit status-change. The conversation stays running
// throughout; only the waiting sub-state changes.
func (r *Registry) confirmWaiting(convID string) {
	r.mu.Lock()
	tc, ok := r.conversations[convID]
	if !ok {
		r.mu.Unlock()
		return
	}
	tc.waitingTimer = nil
	tc.IsWaiting = true
	owner, hasOwner := r.ownerOfLocked(convID)
	isActive := hasOwner && r.activeSession == owner
	activity := tc.TaskSummary
	projectPath := tc.ProjectPath
	msgCount := tc.MessageCount
	r.mu.Unlock()

	if !hasOwner {
		return
	}
	r.broker.Publish(Event{Type: "status-change", SessionID: owner, Payload: map[string]any{
		"isWaitingForInput": true,
		"currentActivity":   activity,
	}})
	if !isActive {
		r.broker.Publish(Event{Type: "other-session-activity", SessionID: owner, Payload: map[string]any{
			"projectPath":       projectPath,
			"sessionName":       owner,
			"isWaitingForInput": true,
			"newMessageCount":   msgCount,
		}})
	}
}

// ownerOfLocked resolves the tmux session owning a conversation by direct
// reverse lookup through the mapping store: events are emitted only when an
// owner's current mapping equals c.
func (r *Registry) ownerOfLocked(convID string) (string, bool) {
	for name := range r.tmuxSessions {
		if cur, ok := r.store.Current(name); ok && cur == convID {
			return name, true
		}
	}
	return "", false
}

// maybeAutoSelectActiveLocked implements the initial-load auto-select
// window: for the first initialLoadWindow after startup, the owner of each
// processed conversation event is auto-selected active, so the owner of the
// last event processed in the window wins. Files are not compared by their
// on-disk modification time.
func (r *Registry) maybeAutoSelectActiveLocked(owner string) {
	if r.activeSet || owner == "" {
		return
	}
	if time.Since(r.startedAt) > initialLoadWindow {
		return
	}
	r.activeSession = owner
}

// RefreshTmuxState re-probes tmux for the in-scope session set and runs
// the resolver cascade. Intended to be called on the periodic (~5s) sweep.
func (r *Registry) RefreshTmuxState() {
	if r.probe == nil {
		return
	}
	names, err := r.probe.ListSessionNames()
	if err != nil {
		if r.logger != nil {
			r.logger.Debug("registry: list tmux sessions failed", "err", err)
		}
		return
	}

	next := make(map[string]tmuxSessionState)
	for _, name := range names {
		if !r.probe.IsTagged(name) {
			continue
		}
		desc, ok := r.probe.Describe(name)
		if !ok {
			continue
		}
		next[name] = tmuxSessionState{
			Name:       name,
			WorkingDir: desc.WorkingDir,
			EncodedDir: encodePath(desc.WorkingDir),
			PanePID:    desc.PanePID,
		}
	}

	r.mu.Lock()
	removed := make([]string, 0)
	for name := range r.tmuxSessions {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	r.tmuxSessions = next
	r.mu.Unlock()

	for _, name := range removed {
		r.resolver.Forget(name)
		r.store.Remove(name)
	}

	r.mu.Lock()
	r.runResolverLocked()
	r.mu.Unlock()
}

// runResolverLocked builds the resolver's input lists from current state
// and runs one cascade pass. Must be called with mu held.
func (r *Registry) runResolverLocked() {
	sessions := make([]resolver.SessionInfo, 0, len(r.tmuxSessions))
	for _, s := range r.tmuxSessions {
		sessions = append(sessions, resolver.SessionInfo{Name: s.Name, EncodedDir: s.EncodedDir, PanePID: s.PanePID})
	}
	convs := make([]resolver.ConversationInfo, 0, len(r.conversations))
	for _, c := range r.conversations {
		convs = append(convs, resolver.ConversationInfo{
			ID:         c.ID,
			EncodedDir: c.EncodedDir,
			Path:       c.Path,
			ModTimeMs:  c.LastModifiedMs,
		})
	}
	r.resolver.Resolve(sessions, convs)
}

// EvictStale drops conversations whose backing directory no longer matches
// any in-scope session, or whose file was deleted on disk. This is the only
// running→terminal transition in the conversation lifecycle, so a pruned
// conversation that still had an owner emits session-completed here.
func (r *Registry) EvictStale() {
	r.mu.Lock()
	inScopeDirs := make(map[string]bool, len(r.tmuxSessions))
	for _, s := range r.tmuxSessions {
		inScopeDirs[s.EncodedDir] = true
	}

	type completed struct {
		owner       string
		projectPath string
		activity    string
	}
	var newlyCompleted []completed

	for id, c := range r.conversations {
		stale := false
		if _, err := os.Stat(c.Path); err != nil {
			stale = true
		} else if !inScopeDirs[c.EncodedDir] {
			stale = true
		}
		if !stale {
			continue
		}
		// Use the last-resolved owner rather than a live lookup: the owning
		// tmux session (and its mapping entry) is typically already gone by
		// the time a conversation is evicted for that reason.
		if c.LastOwner != "" && c.IsRunning {
			newlyCompleted = append(newlyCompleted, completed{owner: c.LastOwner, projectPath: c.ProjectPath, activity: c.TaskSummary})
		}
		delete(r.conversations, id)
	}
	r.mu.Unlock()

	for _, c := range newlyCompleted {
		r.broker.Publish(Event{Type: "session-completed", SessionID: c.owner, Payload: map[string]any{
			"projectPath": c.projectPath,
			"sessionName": c.owner,
			"content":     c.activity,
		}})
	}
}

func countErrors(tl *timeline.Timeline) int {
	n := 0
	for _, e := range tl.Entries {
		for _, tc := range e.ToolCalls {
			if tc.Status == timeline.ToolError {
				n++
			}
		}
	}
	return n
}

func recentTimestamps(tl *timeline.Timeline) []int64 {
	cutoff := time.Now().Add(-30 * time.Minute)
	var out []int64
	for _, e := range tl.Entries {
		if e.Timestamp.After(cutoff) {
			out = append(out, e.Timestamp.UnixMilli())
		}
	}
	return out
}

// encodePath implements the encoded-directory-name scheme (glossary):
// absolute path with / and _ replaced by -.
func encodePath(path string) string {
	r := strings.NewReplacer("/", "-", "_", "-")
	return r.Replace(path)
}

// decodeEncodedDir best-effort reverses encodePath by probing the
// filesystem for existence: the encoding is ambiguous on paths containing
// both - and _, so this simply tries the straightforward slash
// reconstruction and falls back to the encoded form itself when that
// candidate does not exist.
func decodeEncodedDir(encodedDir string) string {
	candidate := strings.ReplaceAll(encodedDir, "-", "/")
	if !strings.HasPrefix(candidate, "/") {
		candidate = "/" + candidate
	}
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return encodedDir
}
