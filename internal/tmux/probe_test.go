package tmux

import "testing"

func TestNewProbe_Defaults(t *testing.T) {
	p := NewProbe(nil, "COMPANION_TAGGED", "1")
	if p.sentinelVar != "COMPANION_TAGGED" || p.sentinelVal != "1" {
		t.Fatalf("unexpected sentinel config: %+v", p)
	}
	if p.timeout <= 0 {
		t.Fatalf("expected a positive default timeout")
	}
}

// ListSessionNames, WorkingDir, etc. shell out to a real tmux binary and are
// not tested here; the resolver and registry tests run with a nil probe.
