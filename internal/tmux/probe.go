// Package tmux shells out to the tmux(1) multiplexer to enumerate tagged
// sessions and read the attributes the resolver needs: working directory,
// pane PID, environment tag, and scrollback content. Every call has a short
// timeout and tolerates failure — a session vanishing between enumeration
// and read is not an error.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout    = 2 * time.Second
	maxScrollbackLine = 500
)

// Session is one probed tmux session's attributes.
type Session struct {
	Name       string
	WorkingDir string
	PanePID    int
	Tagged     bool
}

// Probe wraps tmux(1) invocations, one typed method per command.
type Probe struct {
	logger      *slog.Logger
	sentinelVar string
	sentinelVal string
	timeout     time.Duration
}

// NewProbe builds a Probe that treats sessions carrying sentinelVar=sentinelVal
// in their environment as in-scope ("tagged").
func NewProbe(logger *slog.Logger, sentinelVar, sentinelVal string) *Probe {
	return &Probe{
		logger:      logger,
		sentinelVar: sentinelVar,
		sentinelVal: sentinelVal,
		timeout:     defaultTimeout,
	}
}

func (p *Probe) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

// ListSessionNames lists every tmux session name, tagged or not. Returns an
// empty list (not an error) when the tmux server isn't running.
func (p *Probe) ListSessionNames() ([]string, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// IsTagged reads the sentinel environment variable for a session; a
// vanished session or show-environment failure is reported as untagged,
// not an error, per the probe's tolerate-failure contract.
func (p *Probe) IsTagged(name string) bool {
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "show-environment", "-t", name, p.sentinelVar).Output()
	if err != nil {
		return false
	}
	val := strings.TrimPrefix(strings.TrimSpace(string(out)), p.sentinelVar+"=")
	return val == p.sentinelVal
}

// WorkingDir reads a session's active pane working directory.
func (p *Probe) WorkingDir(name string) (string, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-t", name, "-p", "#{pane_current_path}").Output()
	if err != nil {
		return "", fmt.Errorf("tmux display-message (path): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PanePID reads a session's active pane PID.
func (p *Probe) PanePID(name string) (int, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-t", name, "-p", "#{pane_pid}").Output()
	if err != nil {
		return 0, fmt.Errorf("tmux display-message (pid): %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid: %w", err)
	}
	return pid, nil
}

// Describe probes every attribute this package cares about for one session
// in a single convenience call, tolerating partial failure (a vanished
// session yields a zero Session and false ok).
func (p *Probe) Describe(name string) (Session, bool) {
	wd, err := p.WorkingDir(name)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("tmux probe: working dir unavailable", "session", name, "err", err)
		}
		return Session{}, false
	}
	pid, err := p.PanePID(name)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("tmux probe: pane pid unavailable", "session", name, "err", err)
		}
	}
	return Session{
		Name:       name,
		WorkingDir: wd,
		PanePID:    pid,
		Tagged:     p.IsTagged(name),
	}, true
}

// CapturePane captures up to maxScrollbackLine lines of a pane's scrollback
// buffer (resolver cascade step 4). Returns nil, not an error, on failure.
func (p *Probe) CapturePane(name string) []byte {
	ctx, cancel := p.ctx()
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", name, "-p", "-e",
		"-S", "-"+strconv.Itoa(maxScrollbackLine)).Output()
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("tmux probe: capture-pane failed", "session", name, "err", err)
		}
		return nil
	}
	return out
}

// SendKeys sends literal keystrokes to a session (followed by Enter).
func (p *Probe) SendKeys(name, text string) error {
	ctx, cancel := p.ctx()
	defer cancel()
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "-l", text).Run(); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	ctx2, cancel2 := p.ctx()
	defer cancel2()
	if err := exec.CommandContext(ctx2, "tmux", "send-keys", "-t", name, "Enter").Run(); err != nil {
		return fmt.Errorf("tmux send-keys (enter): %w", err)
	}
	return nil
}

// SendRawKeys sends a raw key sequence (e.g. "C-c", "Escape") without an
// implicit Enter.
func (p *Probe) SendRawKeys(name, keys string) error {
	ctx, cancel := p.ctx()
	defer cancel()
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, keys).Run(); err != nil {
		return fmt.Errorf("tmux send-keys (raw): %w", err)
	}
	return nil
}

// NewSession creates a detached tmux session rooted at workDir.
func (p *Probe) NewSession(name, workDir string) error {
	ctx, cancel := p.ctx()
	defer cancel()
	if err := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", name, "-c", workDir).Run(); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	ctx2, cancel2 := p.ctx()
	defer cancel2()
	_ = exec.CommandContext(ctx2, "tmux", "set-environment", "-t", name, p.sentinelVar, p.sentinelVal).Run()
	return nil
}

// KillSession kills a tmux session. A session that no longer exists is not
// reported as an error.
func (p *Probe) KillSession(name string) error {
	ctx, cancel := p.ctx()
	defer cancel()
	if err := exec.CommandContext(ctx, "tmux", "kill-session", "-t", name).Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

// HasSession reports whether the named session currently exists.
func (p *Probe) HasSession(name string) bool {
	ctx, cancel := p.ctx()
	defer cancel()
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}
