// Package overlay implements the Overlay Health Manager (spec.md §4.B): it
// probes the I2P router console, patiently waits for readiness, and as a
// last resort restarts the router process; it exposes only IsHealthy and
// WaitUntilReady to the rest of the system, per Design Note 5. Only the I2P
// overlay is managed here; Tor reachability is neither probed nor restarted
// by this package.
package overlay

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/deepweb-research/crawlcore/internal/transport"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// State is the I2P overlay's lifecycle state within one run (spec.md §4.B).
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDegraded
	StateRestarting
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

const (
	probeTimeout        = 10 * time.Second
	patientWaitInterval = 30 * time.Second
	patientWaitBudget   = 8 * time.Minute
	minRouterUptime     = 20 * time.Minute
	gracefulShutdownWait = 15 * time.Second
	minConsoleBodyBytes  = 256
	routerConsoleMarker  = "router console"
)

// RouterController abstracts the I2P router process so tests can fake
// process liveness/uptime and restart actions without spawning a real
// router (grounded on the teacher's ResourceMonitor's gopsutil usage,
// generalized from memory sampling to process lifecycle).
type RouterController interface {
	// IsAlive reports whether the router process is running and, if so,
	// how long it has been up.
	IsAlive() (alive bool, uptime time.Duration, err error)
	// Shutdown sends a graceful shutdown signal; Go waits up to
	// gracefulShutdownWait for exit before force-terminating.
	Shutdown(ctx context.Context) error
	// ForceTerminate kills the process outright.
	ForceTerminate() error
	// Spawn starts the router with its preserved data directory.
	Spawn(ctx context.Context) error
}

// Manager runs the I2P health state machine. It holds a weak
// back-reference to the I2P transport solely to annotate its health
// (spec.md §3); it never mutates anything else about the transport.
type Manager struct {
	registry   *transport.Registry
	consoleURL string
	controller RouterController
	httpClient *http.Client
	log        zerolog.Logger

	state int32 // State, accessed atomically
}

// New builds a Manager. controller may be nil when restart capability is
// unavailable (e.g. the router runs outside our process tree); in that
// case the manager still probes and patient-waits but never restarts.
func New(registry *transport.Registry, consoleURL string, controller RouterController, log zerolog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		consoleURL: consoleURL,
		controller: controller,
		httpClient: &http.Client{Timeout: probeTimeout},
		log:        log,
		state:      int32(StateInitializing),
	}
}

// IsHealthy is the non-blocking readiness query (spec.md §4.B). The
// Transport Registry does not call it; it sees the same state through the
// health that setState pushes into the registry's I2P transport.
func (m *Manager) IsHealthy() bool {
	return State(atomic.LoadInt32(&m.state)) == StateReady
}

func (m *Manager) setState(s State) {
	old := State(atomic.SwapInt32(&m.state, int32(s)))
	if old != s {
		m.log.Info().Str("from", old.String()).Str("to", s.String()).Msg("i2p overlay state change")
	}
	if m.registry != nil {
		health := transport.HealthUnknown
		switch s {
		case StateReady:
			health = transport.HealthHealthy
		case StateDegraded, StateRestarting, StateInitializing:
			health = transport.HealthDegraded
		case StateUnavailable:
			health = transport.HealthDead
		}
		m.registry.SetHealth(transport.KindI2P, health)
	}
}

// WaitUntilReady is the only long blocking operation at startup (spec.md
// §5): gentle check, patient wait, gentle restart, patient wait again,
// else UNAVAILABLE, all bounded by totalBudget.
func (m *Manager) WaitUntilReady(ctx context.Context, totalBudget time.Duration) error {
	deadline := time.Now().Add(totalBudget)

	m.setState(StateInitializing)
	if m.probeOnce(ctx) {
		m.setState(StateReady)
		return nil
	}

	if m.patientWait(ctx, firstDeadline(deadline, patientWaitBudget)) {
		m.setState(StateReady)
		return nil
	}

	if m.controller != nil {
		alive, uptime, err := m.controller.IsAlive()
		if err == nil && alive && uptime >= minRouterUptime && time.Now().Before(deadline) {
			if err := m.restart(ctx); err != nil {
				m.log.Warn().Err(err).Msg("i2p router restart failed")
			} else if m.patientWait(ctx, firstDeadline(deadline, patientWaitBudget)) {
				m.setState(StateReady)
				return nil
			}
		}
	}

	m.setState(StateUnavailable)
	return fmt.Errorf("overlay: i2p router did not become ready within %s", totalBudget)
}

func firstDeadline(outer time.Time, budget time.Duration) time.Time {
	inner := time.Now().Add(budget)
	if inner.Before(outer) {
		return inner
	}
	return outer
}

// probeOnce performs the gentle health check: GET the console endpoint
// with a 10s timeout; success requires a minimally-sized body containing
// the router console marker.
func (m *Manager) probeOnce(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.consoleURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	if n < minConsoleBodyBytes {
		return false
	}
	return strings.Contains(strings.ToLower(string(buf[:n])), routerConsoleMarker)
}

// patientWait re-probes every 30s until ready or the deadline passes,
// logging only on state changes (via setState).
func (m *Manager) patientWait(ctx context.Context, deadline time.Time) bool {
	ticker := time.NewTicker(patientWaitInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if m.probeOnce(ctx) {
				return true
			}
		}
	}
}

// restart performs the gentle restart: graceful shutdown, force-terminate
// on timeout, respawn with preserved data directory. The manager never
// deletes persistent router state (spec.md §4.B).
func (m *Manager) restart(ctx context.Context) error {
	m.setState(StateRestarting)

	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownWait)
	defer cancel()

	if err := m.controller.Shutdown(shutdownCtx); err != nil {
		if err := m.controller.ForceTerminate(); err != nil {
			return fmt.Errorf("force-terminate router: %w", err)
		}
	}

	return m.controller.Spawn(ctx)
}

// execController is the production RouterController, managing an I2P
// router process via its launch command and gopsutil for liveness/uptime.
type execController struct {
	launchCmd  []string
	dataDir    string
	pid        atomic.Int64
}

// NewExecController builds a RouterController that spawns the router with
// os/exec and inspects it with gopsutil/v3's process package, mirroring the
// teacher's gopsutil-backed resource sampling generalized to process
// lifecycle instead of memory stats.
func NewExecController(launchCmd []string, dataDir string) RouterController {
	return &execController{launchCmd: launchCmd, dataDir: dataDir}
}

func (c *execController) IsAlive() (bool, time.Duration, error) {
	pid := c.pid.Load()
	if pid == 0 {
		return false, 0, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, 0, nil
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false, 0, nil
	}
	createdMs, err := proc.CreateTime()
	if err != nil {
		return true, 0, nil
	}
	uptime := time.Since(time.UnixMilli(createdMs))
	return true, uptime, nil
}

func (c *execController) Shutdown(ctx context.Context) error {
	pid := c.pid.Load()
	if pid == 0 {
		return fmt.Errorf("no router process recorded")
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	if err := proc.SendSignalWithContext(ctx, 15); err != nil { // SIGTERM
		return err
	}
	for {
		running, _ := proc.IsRunning()
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *execController) ForceTerminate() error {
	pid := c.pid.Load()
	if pid == 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return proc.Kill()
}

func (c *execController) Spawn(ctx context.Context) error {
	if len(c.launchCmd) == 0 {
		return fmt.Errorf("no launch command configured")
	}
	cmd := exec.CommandContext(ctx, c.launchCmd[0], c.launchCmd[1:]...)
	cmd.Dir = c.dataDir
	if err := cmd.Start(); err != nil {
		return err
	}
	c.pid.Store(int64(cmd.Process.Pid))
	return nil
}
