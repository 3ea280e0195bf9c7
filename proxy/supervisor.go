package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llamaswitch/proxy/config"
)

const stopGracePeriod = 5 * time.Second

var (
	ErrModelNotFound = errors.New("model not found in config")
	ErrSpawnFailed   = errors.New("failed to spawn backend process")
)

// StartResult reports what Start resolved: the canonical model id, the
// allocated port and the fully substituted command line.
type StartResult struct {
	Model   string `json:"model"`
	Port    int    `json:"port"`
	Command string `json:"command"`
}

type Status struct {
	Running bool      `json:"running"`
	Ready   bool      `json:"ready"`
	Model   string    `json:"model,omitempty"`
	Ctx     int       `json:"ctx"`
	Host    string    `json:"host"`
	Port    int       `json:"port,omitempty"`
	Pid     int       `json:"pid,omitempty"`
	Stats   Stats     `json:"stats"`
	GPUs    []GPUInfo `json:"gpus,omitempty"`
}

// Supervisor owns the backend process lifecycle. It is the only component
// that spawns, signals or kills the process, and every state transition
// happens under the shared state lock so a swap is atomic with respect to
// status reads and other lifecycle calls.
type Supervisor struct {
	state  *ServiceState
	config *config.Monitor
	logs   *LogBuffer
	logger zerolog.Logger
}

func NewSupervisor(state *ServiceState, cfg *config.Monitor, logs *LogBuffer, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		state:  state,
		config: cfg,
		logs:   logs,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Start launches the backend for modelKey, tearing down any currently
// running backend first. ctxSize <= 0 selects the configured default. On
// spawn failure the slot is left stopped, never half-installed.
func (s *Supervisor) Start(modelKey string, ctxSize int) (StartResult, error) {
	cfg := s.config.Get()
	realName, found := cfg.RealModelName(modelKey)
	if !found {
		return StartResult{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelKey)
	}
	modelConfig := cfg.Models[realName]

	if ctxSize <= 0 {
		ctxSize = s.state.defaultCtx
	}

	port, err := findFreePort()
	if err != nil {
		return StartResult{}, fmt.Errorf("allocate port: %w", err)
	}

	command, err := BuildCommand(modelConfig.Cmd, port, ctxSize, s.state.host, cfg.CommandMacros(modelConfig))
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.logger.Info().
		Str("model", realName).
		Str("host", s.state.host).
		Int("port", port).
		Str("cmd", command).
		Msg("starting backend")

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	s.stopLocked()

	// one combined pipe for stdout+stderr, read by the log monitor
	pipeReader, pipeWriter, err := os.Pipe()
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	cmd := shellCommand(command)
	cmd.Stdout = pipeWriter
	cmd.Stderr = pipeWriter
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pipeReader.Close()
		pipeWriter.Close()
		return StartResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pipeWriter.Close()

	b := &backend{
		model:    realName,
		ctx:      ctxSize,
		port:     port,
		command:  command,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	go func() {
		b.waitErr = cmd.Wait()
		close(b.waitDone)
	}()

	st.backend = b
	st.ready = false
	st.stats = Stats{}

	metricSwapsTotal.Inc()
	resetBackendMetrics()
	metricBackendUp.Set(1)

	go s.monitorLogs(b, pipeReader)

	return StartResult{Model: realName, Port: port, Command: command}, nil
}

// Stop tears down the current backend, if any. Idempotent.
func (s *Supervisor) Stop() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.stopLocked()
}

// stopLocked is the only teardown path; callers hold the state lock. The
// process group gets SIGTERM, a grace period, then SIGKILL. State is
// cleared whichever way the process went; final OS reaping stays with the
// reaper goroutine and never blocks the caller past the grace window.
func (s *Supervisor) stopLocked() {
	st := s.state
	b := st.backend
	if b == nil {
		return
	}

	s.logger.Info().Str("model", b.model).Int("pid", b.pid()).Msg("stopping backend")
	if !b.exited() {
		terminateProcessGroup(b.cmd)
		select {
		case <-b.waitDone:
		case <-time.After(stopGracePeriod):
			s.logger.Warn().Str("model", b.model).Msg("backend did not exit in time, killing process group")
			killProcessGroup(b.cmd)
		}
	}

	st.backend = nil
	st.ready = false
	st.stats = Stats{}
	resetBackendMetrics()
}

// Status recomputes liveness from the process itself; a backend that died
// on its own shows up as not running even though the slot still remembers
// its model.
func (s *Supervisor) Status() Status {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	status := Status{
		Ready: st.ready,
		Host:  st.host,
		Ctx:   st.defaultCtx,
		Stats: st.stats,
	}
	if b := st.backend; b != nil {
		status.Model = b.model
		status.Ctx = b.ctx
		if !b.exited() {
			status.Running = true
			status.Port = b.port
			status.Pid = b.pid()
		}
	}
	return status
}

// monitorLogs tails the backend's combined output until the stream ends,
// appending every line to the log buffer and applying classified events.
// End-of-stream is the sole exit condition.
func (s *Supervisor) monitorLogs(owner *backend, r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.logs.Append(line)
		for _, event := range ClassifyLine(line) {
			s.applyEvent(owner, event)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Str("model", owner.model).Msg("backend log stream closed with error")
	}
}

// applyEvent folds one classified log event into the shared stats. A
// monitor whose backend has been swapped out must not touch the successor's
// state, so ownership is checked under the lock.
func (s *Supervisor) applyEvent(owner *backend, event LineEvent) {
	if event.Kind == EventUnrecognized {
		return
	}

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.backend != owner {
		return
	}

	switch event.Kind {
	case EventReady:
		if !st.ready {
			st.ready = true
			metricBackendReady.Set(1)
			s.logger.Info().Str("model", owner.model).Int("port", owner.port).Msg("backend ready")
		}
	case EventPromptMetric:
		st.stats.PromptSpeed = event.Speed
		metricPromptSpeed.Set(event.Speed)
	case EventGenMetric:
		st.stats.GenSpeed = event.Speed
		st.stats.TotalTokens += event.Tokens
		metricGenSpeed.Set(event.Speed)
		metricTokensGenerated.Add(float64(event.Tokens))
	case EventSlotRelease:
		st.stats.CtxUsed = event.Tokens
		if owner.ctx > 0 {
			st.stats.CtxLimit = owner.ctx
		}
		metricCtxUsed.Set(float64(event.Tokens))
	case EventMemoryMetric:
		if event.VramMB > 0 {
			st.stats.VramMB = event.VramMB
		}
		if event.RamMB > 0 {
			st.stats.RamMB = event.RamMB
		}
	}
}

func findFreePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
