package proxy

import (
	"os/exec"
	"sync"
)

// Stats mirrors what the log monitor scrapes out of the backend's output.
// All fields reset to zero when the backend stops or is swapped.
type Stats struct {
	CtxUsed     int     `json:"ctx_used"`
	CtxLimit    int     `json:"ctx_limit"`
	TotalTokens int     `json:"total_tokens"`
	PromptSpeed float64 `json:"prompt_speed"`
	GenSpeed    float64 `json:"gen_speed"`
	VramMB      uint64  `json:"vram_mb,omitempty"`
	RamMB       uint64  `json:"ram_mb,omitempty"`
}

// backend is the descriptor for the one spawned inference process. It is
// created and torn down only by the Supervisor while holding the state lock.
type backend struct {
	model   string
	ctx     int
	port    int
	command string
	cmd     *exec.Cmd

	// closed by the reaper goroutine once the process has been waited on
	waitDone chan struct{}
	waitErr  error
}

// exited reports whether the OS process has been reaped. It is recomputed on
// every call; exit state is never cached in the service state.
func (b *backend) exited() bool {
	select {
	case <-b.waitDone:
		return true
	default:
		return false
	}
}

func (b *backend) pid() int {
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Pid
	}
	return 0
}

// ServiceState is the single shared record: at most one backend, its
// readiness flag and its stats. Every field is read and written only while
// holding mu. The log buffer keeps its own internal lock because it has one
// writer and many readers, independent of lifecycle transitions.
type ServiceState struct {
	mu      sync.Mutex
	backend *backend
	ready   bool
	stats   Stats

	host       string
	defaultCtx int
}

func NewServiceState(host string, defaultCtx int) *ServiceState {
	return &ServiceState{
		host:       host,
		defaultCtx: defaultCtx,
	}
}

func (st *ServiceState) Ready() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ready
}

// Snapshot returns the current model, port and a freshly recomputed running
// flag in one consistent read.
func (st *ServiceState) Snapshot() (model string, port int, running bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.backend == nil {
		return "", 0, false
	}
	return st.backend.model, st.backend.port, !st.backend.exited()
}

func (st *ServiceState) StatsSnapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

func (st *ServiceState) Host() string    { return st.host }
func (st *ServiceState) DefaultCtx() int { return st.defaultCtx }
