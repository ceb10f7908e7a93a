package registry

import (
	"os"
	"sort"
	"time"

	"github.com/loppo-llc/tether/internal/detect"
	"github.com/loppo-llc/tether/internal/timeline"
)

// ListSessions returns one Entry per in-scope tmux session with a resolved
// conversation, newest-activity first.
func (r *Registry) ListSessions() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for name, sess := range r.tmuxSessions {
		convID, ok := r.store.Current(name)
		if !ok {
			continue
		}
		tc, ok := r.conversations[convID]
		if !ok {
			continue
		}
		out = append(out, Entry{
			ID:               name,
			ProjectPath:      sess.WorkingDir,
			ConversationPath: tc.Path,
			LastActivityMs:   tc.LastModifiedMs,
			Status:           statusOf(tc),
			CurrentActivity:  tc.TaskSummary,
			TaskSummary:      tc.TaskSummary,
			RecentTimestamps: append([]int64(nil), tc.RecentTimes...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityMs > out[j].LastActivityMs })
	return out
}

func statusOf(tc *trackedConversation) Status {
	if tc.LastErrorCount > 0 {
		return StatusError
	}
	if tc.IsWaiting {
		return StatusWaiting
	}
	if tc.IsRunning {
		return StatusWorking
	}
	return StatusIdle
}

// GetMessages returns the cached timeline entries for a session, re-parsing
// from disk on demand if the file's mtime has advanced past what was last
// cached.
func (r *Registry) GetMessages(sessionID string) []*timeline.Entry {
	r.mu.Lock()
	convID, ok := r.store.Current(sessionID)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	tc, ok := r.conversations[convID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	path := tc.Path
	cachedMs := tc.LastModifiedMs
	r.mu.Unlock()

	if info, err := os.Stat(path); err == nil {
		if info.ModTime().UnixMilli() > cachedMs {
			if content, err := os.ReadFile(path); err == nil {
				tl := timeline.ParseWithConfig(content, r.cfg)
				r.mu.Lock()
				if tc, ok := r.conversations[convID]; ok {
					tc.Timeline = tl
					tc.MessageCount = len(tl.Entries)
					tc.LastModifiedMs = info.ModTime().UnixMilli()
				}
				r.mu.Unlock()
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok = r.conversations[convID]
	if !ok || tc.Timeline == nil {
		return nil
	}
	return append([]*timeline.Entry(nil), tc.Timeline.Entries...)
}

// StatusResult is the getStatus(sessionId) response shape.
type StatusResult struct {
	IsRunning         bool
	IsWaitingForInput bool
	LastActivityMs    int64
	ConversationPath  string
	ProjectPath       string
	CurrentActivity   string
	RecentActivity    []detect.ActivityRecord
}

// GetStatus returns the current run/waiting state for a session.
func (r *Registry) GetStatus(sessionID string) (StatusResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.tmuxSessions[sessionID]
	if !ok {
		return StatusResult{}, false
	}
	convID, ok := r.store.Current(sessionID)
	if !ok {
		return StatusResult{}, false
	}
	tc, ok := r.conversations[convID]
	if !ok {
		return StatusResult{}, false
	}

	var recent []detect.ActivityRecord
	if tc.Timeline != nil {
		recent = detect.RecentActivity(tc.Timeline, recentActivityLimit)
	}

	return StatusResult{
		IsRunning:         tc.IsRunning,
		IsWaitingForInput: tc.IsWaiting,
		LastActivityMs:    tc.LastModifiedMs,
		ConversationPath:  tc.Path,
		ProjectPath:       sess.WorkingDir,
		CurrentActivity:   tc.TaskSummary,
		RecentActivity:    recent,
	}, true
}

const conversationChainLimit = 20

// GetConversationChain returns a session's conversation history as file
// paths, oldest first, bounded to the most recent conversationChainLimit
// entries.
func (r *Registry) GetConversationChain(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.store.History(sessionID)
	if len(ids) > conversationChainLimit {
		ids = ids[len(ids)-conversationChainLimit:]
	}
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		if tc, ok := r.conversations[id]; ok {
			paths = append(paths, tc.Path)
		}
	}
	return paths
}

// ServerSummary is one row of getServerSummary's response.
type ServerSummary struct {
	SessionID        string
	ProjectPath      string
	Status           Status
	TaskSummary      string
	RecentTimestamps []int64
}

// GetServerSummary returns a per-session summary for every in-scope
// session with a tracked current conversation, optionally restricted to the
// supplied tmux session names.
func (r *Registry) GetServerSummary(tmuxFilter []string) []ServerSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var allow map[string]bool
	if len(tmuxFilter) > 0 {
		allow = make(map[string]bool, len(tmuxFilter))
		for _, n := range tmuxFilter {
			allow[n] = true
		}
	}

	cutoff := time.Now().Add(-30 * time.Minute).UnixMilli()
	var out []ServerSummary
	for name, sess := range r.tmuxSessions {
		if allow != nil && !allow[name] {
			continue
		}
		convID, ok := r.store.Current(name)
		if !ok {
			continue
		}
		tc, ok := r.conversations[convID]
		if !ok {
			continue
		}
		var ts []int64
		for _, t := range tc.RecentTimes {
			if t >= cutoff {
				ts = append(ts, t)
			}
		}
		out = append(out, ServerSummary{
			SessionID:        name,
			ProjectPath:      sess.WorkingDir,
			Status:           statusOf(tc),
			TaskSummary:      tc.TaskSummary,
			RecentTimestamps: ts,
		})
	}
	return out
}

// GetTmuxSessionForConversation reverse-looks-up the tmux session name
// currently mapped to a conversation id.
func (r *Registry) GetTmuxSessionForConversation(convID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerOfLocked(convID)
}

// GetActiveConversation returns the conversation id mapped to the active
// session, if any.
func (r *Registry) GetActiveConversation() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.activeSet && r.activeSession == "" {
		return "", false
	}
	return r.store.Current(r.activeSession)
}

// SetActiveSession marks a tmux session as the one the user is currently
// looking at; other-session-activity is suppressed for it.
func (r *Registry) SetActiveSession(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSession = name
	r.activeSet = true
}

// ClearActiveSession clears the active-session marker.
func (r *Registry) ClearActiveSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSession = ""
	r.activeSet = true
}

// MarkSessionAsNew flags a freshly-created tmux session so the resolver's
// newly-created guard applies to it.
func (r *Registry) MarkSessionAsNew(name string) {
	r.resolver.MarkNewlyCreated(name)
}

// CheckAndEmitPendingApproval re-evaluates a session's cached timeline for
// a pending-approval condition and emits the event if the key differs from
// what was last emitted. Used by clients polling after reconnect.
func (r *Registry) CheckAndEmitPendingApproval(sessionID string) {
	r.mu.Lock()
	convID, ok := r.store.Current(sessionID)
	if !ok {
		r.mu.Unlock()
		return
	}
	tc, ok := r.conversations[convID]
	if !ok || tc.Timeline == nil {
		r.mu.Unlock()
		return
	}
	tools := detect.PendingApprovalTools(tc.Timeline, r.cfg)
	key := detect.PendingApprovalKey(tools)
	projectPath := tc.ProjectPath
	shouldEmit := key != "" && key != tc.LastPendingKey
	if key != "" {
		tc.LastPendingKey = key
	}
	r.mu.Unlock()

	if shouldEmit {
		r.broker.Publish(Event{Type: "pending-approval", SessionID: sessionID, Payload: map[string]any{
			"projectPath": projectPath,
			"tools":       tools,
		}})
	}
}
