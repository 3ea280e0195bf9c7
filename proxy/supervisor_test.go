//go:build !windows

package proxy

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llamaswitch/proxy/config"
)

const testConfigYAML = `
macros:
  GREETING: "hello"
models:
  sleeper:
    cmd: "sleep 60"
    aliases:
      - "naps"
  announcer:
    cmd: "echo 'main: model loaded'; sleep 60"
  echoer:
    cmd: "echo '${GREETING} from port ${PORT}'"
`

func newTestMonitor(t *testing.T, yaml string) *config.Monitor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return config.NewMonitor(path, zerolog.Nop())
}

func newTestSupervisor(t *testing.T) (*Supervisor, *ServiceState) {
	t.Helper()
	state := NewServiceState("127.0.0.1", 4096)
	supervisor := NewSupervisor(state, newTestMonitor(t, testConfigYAML), NewLogBuffer(128), zerolog.Nop())
	t.Cleanup(supervisor.Stop)
	return supervisor, state
}

func TestSupervisor_StartUnknownModel(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("no-such-model", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotFound))

	// a failed resolution must not disturb a running backend
	_, err = supervisor.Start("sleeper", 0)
	require.NoError(t, err)
	_, err = supervisor.Start("no-such-model", 0)
	require.Error(t, err)

	model, _, running := state.Snapshot()
	assert.Equal(t, "sleeper", model)
	assert.True(t, running)
}

func TestSupervisor_StartAndStop(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	result, err := supervisor.Start("sleeper", 0)
	require.NoError(t, err)
	assert.Equal(t, "sleeper", result.Model)
	assert.NotZero(t, result.Port)
	assert.Equal(t, "sleep 60", result.Command)

	model, port, running := state.Snapshot()
	assert.Equal(t, "sleeper", model)
	assert.Equal(t, result.Port, port)
	assert.True(t, running)

	status := supervisor.Status()
	assert.True(t, status.Running)
	assert.NotZero(t, status.Pid)
	assert.Equal(t, 4096, status.Ctx)

	supervisor.Stop()
	_, _, running = state.Snapshot()
	assert.False(t, running)

	// Stop is idempotent
	supervisor.Stop()
}

func TestSupervisor_StartResolvesAlias(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	result, err := supervisor.Start("naps", 0)
	require.NoError(t, err)
	assert.Equal(t, "sleeper", result.Model)

	model, _, _ := state.Snapshot()
	assert.Equal(t, "sleeper", model)
}

func TestSupervisor_SwapReplacesBackend(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("sleeper", 0)
	require.NoError(t, err)
	firstPid := supervisor.Status().Pid
	require.NotZero(t, firstPid)

	second, err := supervisor.Start("announcer", 0)
	require.NoError(t, err)
	assert.Equal(t, "announcer", second.Model)

	model, port, running := state.Snapshot()
	assert.Equal(t, "announcer", model)
	assert.Equal(t, second.Port, port)
	assert.True(t, running)
	assert.NotEqual(t, firstPid, supervisor.Status().Pid)
}

func TestSupervisor_ReadinessFromLogs(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("announcer", 0)
	require.NoError(t, err)
	assert.False(t, state.Ready(), "readiness must come from the log marker, not from start")

	require.Eventually(t, state.Ready, 5*time.Second, 10*time.Millisecond)

	supervisor.Stop()
	assert.False(t, state.Ready())
}

func TestSupervisor_CommandSubstitution(t *testing.T) {
	supervisor, _ := newTestSupervisor(t)
	logs := supervisor.logs

	result, err := supervisor.Start("echoer", 0)
	require.NoError(t, err)

	expected := "hello from port " + strconv.Itoa(result.Port)
	require.Eventually(t, func() bool {
		for _, line := range logs.Lines() {
			if line == expected {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_StatsResetOnSwap(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("sleeper", 0)
	require.NoError(t, err)

	owner := currentBackend(state)
	supervisor.applyEvent(owner, LineEvent{Kind: EventGenMetric, Tokens: 50, Speed: 12.5})
	assert.Equal(t, 50, state.StatsSnapshot().TotalTokens)

	_, err = supervisor.Start("announcer", 0)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, state.StatsSnapshot())
}

func TestSupervisor_StaleMonitorCannotMutateState(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("sleeper", 0)
	require.NoError(t, err)
	stale := &backend{model: "ghost", waitDone: make(chan struct{})}

	supervisor.applyEvent(stale, LineEvent{Kind: EventReady})
	assert.False(t, state.Ready())

	supervisor.applyEvent(currentBackend(state), LineEvent{Kind: EventReady})
	assert.True(t, state.Ready())
}

func TestSupervisor_ApplyEventStats(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("sleeper", 2048)
	require.NoError(t, err)
	owner := currentBackend(state)

	supervisor.applyEvent(owner, LineEvent{Kind: EventPromptMetric, Speed: 2355.46})
	supervisor.applyEvent(owner, LineEvent{Kind: EventGenMetric, Tokens: 9, Speed: 18.29})
	supervisor.applyEvent(owner, LineEvent{Kind: EventGenMetric, Tokens: 5, Speed: 20.0})
	supervisor.applyEvent(owner, LineEvent{Kind: EventSlotRelease, Tokens: 73})
	supervisor.applyEvent(owner, LineEvent{Kind: EventMemoryMetric, VramMB: 23347, RamMB: 292})

	stats := state.StatsSnapshot()
	assert.InDelta(t, 2355.46, stats.PromptSpeed, 0.001)
	assert.InDelta(t, 20.0, stats.GenSpeed, 0.001)
	assert.Equal(t, 14, stats.TotalTokens)
	assert.Equal(t, 73, stats.CtxUsed)
	assert.Equal(t, 2048, stats.CtxLimit)
	assert.Equal(t, uint64(23347), stats.VramMB)
	assert.Equal(t, uint64(292), stats.RamMB)
}

func TestSupervisor_StatusAfterSelfExit(t *testing.T) {
	supervisor, state := newTestSupervisor(t)

	_, err := supervisor.Start("echoer", 0)
	require.NoError(t, err)

	// the echo command exits on its own; liveness is recomputed per call
	require.Eventually(t, func() bool {
		_, _, running := state.Snapshot()
		return !running
	}, 5*time.Second, 10*time.Millisecond)

	status := supervisor.Status()
	assert.False(t, status.Running)
	assert.Equal(t, "echoer", status.Model)
	assert.Zero(t, status.Port)
}

func currentBackend(state *ServiceState) *backend {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.backend
}
