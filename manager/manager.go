// Package manager wires the Mount Table Monitor, Child Supervisor,
// Timer Service, Reconciler and per-unit state machine together into
// the single-threaded cooperative event loop of spec.md §5: one
// goroutine selects over the mount-table watcher, the supervisor's
// termination fan-in, the timer service's firing fan-in, and an
// external command channel, and every mutation of unit state happens
// on that goroutine alone.
package manager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"mountd/config"
	"mountd/depgraph"
	"mountd/mlog"
	"mountd/mountparam"
	"mountd/mounttable"
	"mountd/mountunit"
	"mountd/persist"
	"mountd/reconcile"
	"mountd/registry"
	"mountd/state"
	"mountd/supervisor"
	"mountd/timer"
)

// CommandKind identifies an external start/stop/reload request
// (spec.md §4.6).
type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdReload
)

func (k CommandKind) String() string {
	switch k {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Command is submitted to a running Manager from outside the event
// loop (spec.md §5 "a command channel for external start/stop/reload
// requests"). Fragment, if non-nil, is installed before the command
// runs — the CLI's way of loading a fragment's parameters without a
// separate fragment-file watcher.
type Command struct {
	Kind     CommandKind
	Where    string
	Fragment *mountparam.Parameters
	Reply    chan error
}

// Presence implements state.Observer from the most recently observed
// mount-table snapshot. It is constructed independently of Manager so
// the same instance can be handed to state.New before the Manager
// that owns the event loop exists yet — Machine and Manager both need
// it, and Manager needs a constructed Machine.
type Presence struct {
	present map[string]bool
}

// NewPresence returns an empty Presence; nothing is reported present
// until the first reconciler pass populates it.
func NewPresence() *Presence {
	return &Presence{present: make(map[string]bool)}
}

// IsPresent implements state.Observer.
func (p *Presence) IsPresent(where string) bool {
	return p.present[where]
}

func (p *Presence) update(entries []mounttable.Entry) {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Target] = true
	}
	p.present = present
}

// Manager owns every long-lived component and drives the event loop.
type Manager struct {
	cfg      *config.Config
	reg      registry.Registry
	machine  *state.Machine
	recon    *reconcile.Reconciler
	watcher  *mounttable.Watcher
	sup      *supervisor.Supervisor
	timers   *timer.Service
	store    *persist.Store // nil disables persistence (e.g. in tests)
	log      *mlog.Logger
	inInitrd bool

	presence *Presence
	commands chan Command
}

// New constructs a Manager. store may be nil to run without
// persistence. presence must be the same instance passed to
// state.New as its Observer.
func New(cfg *config.Config, reg registry.Registry, machine *state.Machine, recon *reconcile.Reconciler,
	watcher *mounttable.Watcher, sup *supervisor.Supervisor, timers *timer.Service, store *persist.Store,
	log *mlog.Logger, inInitrd bool, presence *Presence) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		machine:  machine,
		recon:    recon,
		watcher:  watcher,
		sup:      sup,
		timers:   timers,
		store:    store,
		log:      log,
		inInitrd: inInitrd,
		presence: presence,
		commands: make(chan Command, 16),
	}
	m.synthesizeRoot()
	return m
}

// synthesizeRoot ensures the perpetual root unit exists in the
// registry at manager startup (spec.md §8 scenario 6: "the unit named
// -.mount is synthesized" at manager startup), so it is never first
// discovered through the kernel-table scan path.
func (m *Manager) synthesizeRoot() {
	m.reg.LookupOrCreate(depgraph.RootUnitName, func() *mountunit.Unit {
		return mountunit.NewRoot(m.cfg.DefaultTimeout, uint32(m.cfg.DefaultDirectoryMode))
	})
}

// Submit enqueues an external command for the event loop to process.
// It does not block on the command completing; send a buffered Reply
// channel to observe the result.
func (m *Manager) Submit(cmd Command) {
	m.commands <- cmd
}

// Run drives the event loop until ctx is canceled. It performs one
// enumeration pass at startup (spec.md §4.8 "and once at startup"),
// then services the mount-table watcher, helper terminations, timer
// firings, and external commands until canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.doPass()

	events := make(chan struct{}, 1)
	go m.pollMountTable(ctx, events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-events:
			m.drainAndReconcile()

		case term := <-m.sup.Done:
			// A pending mount-table event is handled first, so the
			// completion sees the kernel table as it is now.
			select {
			case <-events:
				m.drainAndReconcile()
			default:
			}
			m.handleTermination(ctx, term)

		case firing := <-m.timers.Fired:
			m.handleFiring(firing)

		case cmd := <-m.commands:
			m.handleCommand(ctx, cmd)
		}
	}
}

// pollMountTable blocks on the watcher's descriptor and signals events
// whenever it reports readiness, giving the mount-monitor event source
// priority over SIGCHLD-style events the way spec.md §5 requires (Run
// checks for a pending event here before handling each helper
// termination). The 1-second timeout only bounds how promptly
// ctx cancellation is noticed; it is not a polling interval.
func (m *Manager) pollMountTable(ctx context.Context, events chan<- struct{}) {
	fds := []unix.PollFd{{Fd: int32(m.watcher.FD()), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.log.Errorf("mount table poll failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		select {
		case events <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// drainAndReconcile implements spec.md §4.8 step 1: drain the
// monitor, and only run a full pass if something actually changed.
func (m *Manager) drainAndReconcile() {
	changed, err := m.watcher.Drain()
	if err != nil {
		m.recon.PassWithError(nil, err)
		return
	}
	if !changed {
		return
	}
	m.doPass()
}

// doPass reads the current snapshot, refreshes the presence cache
// Observer relies on, and runs the reconciler.
func (m *Manager) doPass() {
	entries, err := m.watcher.Snapshot()
	if err != nil {
		m.recon.PassWithError(nil, err)
		return
	}

	m.presence.update(entries)
	m.recon.Pass(entries)
	m.persistAll()
}

// handleTermination routes a helper's exit to the unit whose
// control_pid matches it (spec.md §4.6's helper-completion
// transitions).
func (m *Manager) handleTermination(ctx context.Context, term supervisor.Termination) {
	for _, name := range m.reg.Names() {
		u, err := m.reg.Lookup(name)
		if err != nil || u.ControlPID != term.PID {
			continue
		}
		if err := m.machine.HandleHelperCompletion(ctx, u, term); err != nil {
			m.log.For(u.Where).Warnf("helper completion: %v", err)
		}
		m.persistOne(name, u)
		return
	}
}

// handleFiring routes a timer expiry to its unit (spec.md §4.6's
// timeout transitions). Firing.UnitName is the mount path the state
// machine armed the timer with, not the registry name.
func (m *Manager) handleFiring(firing timer.Firing) {
	name, err := registry.NameForPath(firing.UnitName)
	if err != nil {
		return
	}
	u, err := m.reg.Lookup(name)
	if err != nil {
		return
	}
	m.machine.HandleTimeout(u)
	m.persistOne(name, u)
}

// handleCommand implements the external start/stop/reload entrypoint
// of spec.md §5.
func (m *Manager) handleCommand(ctx context.Context, cmd Command) {
	name, err := registry.NameForPath(cmd.Where)
	if err != nil {
		m.reply(cmd, err)
		return
	}

	u, created := m.reg.LookupOrCreate(name, func() *mountunit.Unit {
		return mountunit.New(cmd.Where, m.cfg.DefaultTimeout, uint32(m.cfg.DefaultDirectoryMode))
	})

	if cmd.Fragment != nil {
		u.ReplaceFragmentParameters(cmd.Fragment)
	}
	if created && cmd.Fragment != nil {
		if err := depgraph.Build(m.reg, u, m.cfg, m.inInitrd); err != nil {
			m.log.For(u.Where).Warnf("dependency builder: %v", err)
		}
	}

	var opErr error
	switch cmd.Kind {
	case CmdStart:
		opErr = m.machine.Start(ctx, u)
	case CmdStop:
		opErr = m.machine.Stop(ctx, u)
	case CmdReload:
		opErr = m.machine.Reload(ctx, u)
	default:
		opErr = fmt.Errorf("manager: unknown command kind %v", cmd.Kind)
	}

	m.persistOne(name, u)
	m.reply(cmd, opErr)
}

func (m *Manager) reply(cmd Command, err error) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- err:
	default:
	}
}

func (m *Manager) persistOne(name string, u *mountunit.Unit) {
	if m.store == nil {
		return
	}
	if err := m.store.Dump(name, u, time.Now()); err != nil {
		m.log.For(u.Where).Warnf("persist dump: %v", err)
	}
}

func (m *Manager) persistAll() {
	if m.store == nil {
		return
	}
	now := time.Now()
	for _, name := range m.reg.Names() {
		u, err := m.reg.Lookup(name)
		if err != nil {
			continue
		}
		if err := m.store.Dump(name, u, now); err != nil {
			m.log.For(u.Where).Warnf("persist dump: %v", err)
		}
	}
}

// Coldplug restores every unit the store has a record for, re-arming
// timers and re-attaching the supervisor for helper-active units
// (spec.md §4.9). Call this once before Run, after loading fragments.
func (m *Manager) Coldplug() error {
	if m.store == nil {
		return nil
	}
	now := time.Now()
	for _, name := range m.reg.Names() {
		u, err := m.reg.Lookup(name)
		if err != nil {
			continue
		}
		rec, err := m.store.Load(name)
		if err == persist.ErrRecordNotFound {
			continue
		}
		if err != nil {
			m.log.For(u.Where).Warnf("coldplug load: %v", err)
			continue
		}
		if err := persist.Coldplug(u, rec, now, m.sup, m.timers); err != nil {
			m.log.For(u.Where).Warnf("coldplug: %v", err)
		}
	}
	return nil
}
