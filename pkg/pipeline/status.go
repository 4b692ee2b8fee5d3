package pipeline

import (
	"sort"
	"sync"
	"time"
)

// LineStatus describes the polling health of one line.
type LineStatus struct {
	Line          string     `json:"line"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	SkippedCycles uint64     `json:"skipped_cycles"`
	LastError     string     `json:"last_error,omitempty"`
}

type statusTracker struct {
	mu    sync.Mutex
	lines map[string]*LineStatus
}

func newStatusTracker(lines []string) *statusTracker {
	st := &statusTracker{lines: make(map[string]*LineStatus, len(lines))}
	for _, line := range lines {
		st.lines[line] = &LineStatus{Line: line}
	}
	return st
}

func (st *statusTracker) success(line string, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.lines[line]
	s.LastSuccess = &at
	s.LastError = ""
}

func (st *statusTracker) skipped(line string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.lines[line]
	s.SkippedCycles++
	s.LastError = err.Error()
}

func (st *statusTracker) snapshot() []LineStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]LineStatus, 0, len(st.lines))
	for _, s := range st.lines {
		c := *s
		if s.LastSuccess != nil {
			at := *s.LastSuccess
			c.LastSuccess = &at
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}
