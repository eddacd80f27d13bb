// Package supervisor implements Supervisor (spec §4.7): it watches a
// UsbTransport for matching devices, spins up one DeviceSession per
// enumeration, reattaches sessions across the expected miniloader-reset
// disconnect, and aggregates per-device and whole-run status into a single
// event stream for the CLI layer to render.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ardnew/astra-update/internal/bootbundle"
	"github.com/ardnew/astra-update/internal/console"
	"github.com/ardnew/astra-update/internal/flashplan"
	"github.com/ardnew/astra-update/internal/session"
	"github.com/ardnew/astra-update/internal/transport"
	"github.com/ardnew/astra-update/internal/usbio"
	"github.com/ardnew/astra-update/pkg"
)

// consolePromptSuffix is the literal U-Boot prompt the console stream
// watches for (spec §4.2).
const consolePromptSuffix = "=>"

// Status classifies a ManagerEvent (spec §6 status stream).
type Status int

const (
	StatusStart Status = iota
	StatusInfo
	StatusFailure
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "Start"
	case StatusInfo:
		return "Info"
	case StatusFailure:
		return "Failure"
	case StatusShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// ManagerEvent reports a whole-run status change: a device attaching,
// finishing, or the run winding down (spec §6 status stream).
type ManagerEvent struct {
	Status         Status
	Message        string
	ActiveSessions int
	Succeeded      int
	Failed         int
}

// StatusEvent is one entry in the unified status stream: exactly one of
// Device or Manager is set.
type StatusEvent struct {
	Device  *session.DeviceEvent
	Manager *ManagerEvent
}

// Sink receives the unified status stream.
type Sink func(StatusEvent)

// Config supplies everything a Supervisor needs to start watching for
// devices. Bundle and Plan are resolved once by the caller (the bundle
// selection policy of spec §4.7 runs ahead of Supervisor construction, not
// per device) and shared by every session this run spawns. Plan is nil for
// a boot-only run.
type Config struct {
	Bundle      *bootbundle.Bundle
	Plan        flashplan.Plan
	BootCommand string
	Filter      transport.Filter
	TempRoot    string
	Transport   transport.Transport // nil uses transport.NewLinux(Filter)
	Sink        Sink

	// Continuous, when false, makes the Supervisor shut down the first time
	// a session completes (spec §4.7): UpdateComplete in an update run,
	// BootComplete in a boot-only run, instead of continuing to watch for
	// further devices.
	Continuous bool

	// Open opens the endpoint for an Arrival. Nil uses usbio.Open; tests
	// substitute a fake to run without real hardware.
	Open func(ctx context.Context, devfsPath, busPath string) (*usbio.EndpointIO, error)
}

// Supervisor is the top-level run coordinator described in spec §4.7.
type Supervisor struct {
	cfg       Config
	transport transport.Transport

	mu        sync.Mutex
	sessions  map[string]*session.Session
	tempDirs  map[string]string
	succeeded int
	failed    int

	wg sync.WaitGroup
}

// New builds a Supervisor from cfg. It does not start watching for devices
// until Run is called.
func New(cfg Config) *Supervisor {
	t := cfg.Transport
	if t == nil {
		t = transport.NewLinux(cfg.Filter)
	}
	if cfg.Open == nil {
		cfg.Open = usbio.Open
	}
	return &Supervisor{
		cfg:       cfg,
		transport: t,
		sessions:  make(map[string]*session.Session),
		tempDirs:  make(map[string]string),
	}
}

// Run watches the transport until ctx is cancelled, spawning and
// supervising one DeviceSession per matching device. On cancellation it
// closes every active session and the transport. It blocks until every
// spawned session has returned.
func (sv *Supervisor) Run(ctx context.Context) error {
	sv.emitManagerStatus(StatusStart, "watching for devices")
	err := sv.transport.Run(ctx, sv)
	if ctx.Err() != nil {
		_ = sv.Close()
	}
	sv.wg.Wait()
	sv.emitManagerStatus(StatusInfo, "run complete")
	return err
}

// Close tears every active session and the transport down. Safe to call
// after Run has returned, or to force an early stop from another
// goroutine.
func (sv *Supervisor) Close() error {
	sv.mu.Lock()
	sessions := make([]*session.Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return sv.transport.Close()
}

// OnArrival implements transport.Sink. A device already tracked under this
// bus path with a non-terminal session is a miniloader-reset
// re-enumeration (spec §4.5, §8 S4) and is reattached rather than spawning
// a second session; everything else starts a fresh session.
func (sv *Supervisor) OnArrival(a transport.Arrival) {
	sv.mu.Lock()
	existing, tracked := sv.sessions[a.BusPath]
	sv.mu.Unlock()

	if tracked && !existing.Phase().Terminal() {
		io, err := sv.cfg.Open(context.Background(), a.DevfsPath, a.BusPath)
		if err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "reattach open failed", "bus_path", a.BusPath, "err", err)
			return
		}
		existing.Reattach(io)
		return
	}

	go sv.spawn(a)
}

// OnDeparture implements transport.Sink, forwarding a disconnect to the
// session tracking that bus path, if any.
func (sv *Supervisor) OnDeparture(d transport.Departure) {
	sv.mu.Lock()
	sess, ok := sv.sessions[d.BusPath]
	sv.mu.Unlock()
	if ok {
		sess.NotifyDisconnect()
	}
}

func (sv *Supervisor) spawn(a transport.Arrival) {
	ctx := context.Background()

	io, err := sv.cfg.Open(ctx, a.DevfsPath, a.BusPath)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSupervisor, "open failed", "bus_path", a.BusPath, "err", err)
		return
	}

	tempDir, err := os.MkdirTemp(sv.cfg.TempRoot, "astra-update-*")
	if err != nil {
		pkg.LogError(pkg.ComponentSupervisor, "temp dir create failed", "err", err)
		_ = io.Close()
		return
	}

	cons := console.New(consolePromptSuffix)

	sess, err := session.New(io, cons, session.Config{
		Bundle:      sv.cfg.Bundle,
		Plan:        sv.cfg.Plan,
		BootCommand: sv.cfg.BootCommand,
		TempDir:     tempDir,
		Sink:        func(e session.DeviceEvent) { sv.emitDevice(e) },
	})
	if err != nil {
		pkg.LogError(pkg.ComponentSupervisor, "session init failed", "bus_path", a.BusPath, "err", err)
		_ = io.Close()
		_ = os.RemoveAll(tempDir)
		return
	}

	sv.mu.Lock()
	sv.sessions[a.BusPath] = sess
	sv.tempDirs[a.BusPath] = tempDir
	active := len(sv.sessions)
	sv.mu.Unlock()
	sv.emitManagerActive(fmt.Sprintf("device attached: %s", a.BusPath), active)

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		phase := sess.Run(ctx)
		sv.finish(a.BusPath, phase)
	}()
}

// finish records a session's outcome and, per spec §6, removes its temp
// directory iff the run succeeded; a failed run's temp directory (console
// log, synthetic side channels) is retained for diagnosis.
func (sv *Supervisor) finish(busPath string, phase session.Phase) {
	sv.mu.Lock()
	tempDir := sv.tempDirs[busPath]
	if phase.Success() {
		sv.succeeded++
	} else {
		sv.failed++
	}
	succeeded, failed := sv.succeeded, sv.failed
	sv.mu.Unlock()

	if phase.Success() {
		_ = os.RemoveAll(tempDir)
	} else {
		pkg.LogWarn(pkg.ComponentSupervisor, "run retained for diagnosis", "bus_path", busPath, "dir", tempDir)
	}

	sv.mu.Lock()
	active := len(sv.sessions)
	sv.mu.Unlock()

	status := StatusInfo
	if !phase.Success() {
		status = StatusFailure
	}
	sv.emitManagerEvent(status, fmt.Sprintf("%s: %s", busPath, phase), active, succeeded, failed)

	// spec §4.7: a non-continuous run shuts down the first time a session
	// completes (UpdateComplete in update mode, BootComplete in boot-only
	// mode) instead of continuing to watch for further devices.
	completed := (sv.cfg.Plan != nil && phase == session.PhaseUpdateComplete) ||
		(sv.cfg.Plan == nil && phase == session.PhaseBootComplete)
	if !sv.cfg.Continuous && completed {
		sv.emitManagerEvent(StatusShutdown, fmt.Sprintf("shutting down after %s", busPath), active, succeeded, failed)
		_ = sv.transport.Close()
	}
}

func (sv *Supervisor) emitManagerStatus(status Status, msg string) {
	sv.mu.Lock()
	active, succeeded, failed := len(sv.sessions), sv.succeeded, sv.failed
	sv.mu.Unlock()
	sv.emitManagerEvent(status, msg, active, succeeded, failed)
}

func (sv *Supervisor) emitManagerActive(msg string, active int) {
	sv.mu.Lock()
	succeeded, failed := sv.succeeded, sv.failed
	sv.mu.Unlock()
	sv.emitManagerEvent(StatusInfo, msg, active, succeeded, failed)
}

func (sv *Supervisor) emitManagerEvent(status Status, msg string, active, succeeded, failed int) {
	if sv.cfg.Sink == nil {
		return
	}
	sv.cfg.Sink(StatusEvent{Manager: &ManagerEvent{
		Status:         status,
		Message:        msg,
		ActiveSessions: active,
		Succeeded:      succeeded,
		Failed:         failed,
	}})
}

func (sv *Supervisor) emitDevice(e session.DeviceEvent) {
	if sv.cfg.Sink == nil {
		return
	}
	evt := e
	sv.cfg.Sink(StatusEvent{Device: &evt})
}
