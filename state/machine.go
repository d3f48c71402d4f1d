// Package state implements the per-unit finite-state machine (spec.md
// §4.6): the thirteen MountState values, the start/stop/reload
// commands, helper-completion transitions, and timeout-driven
// TERM→KILL→give-up escalation. Every entrypoint runs on the single
// event-loop goroutine (spec.md §5); nothing here takes a lock.
package state

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"mountd/config"
	"mountd/mlog"
	"mountd/mountparam"
	"mountd/mountunit"
	"mountd/supervisor"
	"mountd/timer"
)

// ErrAgain is returned when a command conflicts with an operation
// already in flight (spec.md §4.6).
type ErrAgain struct {
	UnitName string
	Command  string
}

func (e *ErrAgain) Error() string {
	return fmt.Sprintf("%s: %s rejected, conflicting operation in flight", e.UnitName, e.Command)
}

// ErrVerificationFailed is returned when the state machine refuses a
// command before spawning anything: the unit has no fragment parameters
// (its state is left unchanged), or Start hit the start limit (the unit
// is left DEAD with result start-limit-hit). It never moves a unit to
// FAILED.
type ErrVerificationFailed struct {
	UnitName string
	Reason   string
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("%s: verification failed: %s", e.UnitName, e.Reason)
}

// Observer answers "is this unit's target currently present in the
// kernel mount table", the fact spec.md §4.6's completion and timeout
// transitions consult. The manager backs this with its last mounttable
// snapshot, refreshed by the Reconciler.
type Observer interface {
	IsPresent(where string) bool
}

// Machine drives every mount unit's state transitions. One Machine is
// shared by all units; unit-specific data lives on the *mountunit.Unit
// itself.
type Machine struct {
	cfg      *config.Config
	sup      *supervisor.Supervisor
	timers   *timer.Service
	log      *mlog.Logger
	observer Observer
	limiter  *startLimiter
}

// New constructs a Machine wired to the given supervisor, timer
// service, logger and kernel-table observer.
func New(cfg *config.Config, sup *supervisor.Supervisor, timers *timer.Service, log *mlog.Logger, observer Observer) *Machine {
	return &Machine{
		cfg:      cfg,
		sup:      sup,
		timers:   timers,
		log:      log,
		observer: observer,
		limiter:  newStartLimiter(cfg.StartLimitBurst, cfg.StartLimitInterval),
	}
}

// unitFamily identifies which of the three helper flows a non-terminal
// state belongs to, so the generic escalation logic in timeout.go can
// treat Mounting/Remounting/Unmounting uniformly.
type unitFamily int

const (
	familyNone unitFamily = iota
	familyMounting
	familyRemounting
	familyUnmounting
)

type phase int

const (
	phaseBase phase = iota
	phaseSigterm
	phaseSigkill
)

// classify returns the family and escalation phase of s, or
// (familyNone, _) for states with no helper in flight.
func classify(s mountunit.MountState) (unitFamily, phase) {
	switch s {
	case mountunit.Mounting, mountunit.MountingDone:
		return familyMounting, phaseBase
	case mountunit.MountingSigterm:
		return familyMounting, phaseSigterm
	case mountunit.MountingSigkill:
		return familyMounting, phaseSigkill
	case mountunit.Remounting:
		return familyRemounting, phaseBase
	case mountunit.RemountingSigterm:
		return familyRemounting, phaseSigterm
	case mountunit.RemountingSigkill:
		return familyRemounting, phaseSigkill
	case mountunit.Unmounting:
		return familyUnmounting, phaseBase
	case mountunit.UnmountingSigterm:
		return familyUnmounting, phaseSigterm
	case mountunit.UnmountingSigkill:
		return familyUnmounting, phaseSigkill
	default:
		return familyNone, phaseBase
	}
}

// sigtermStateFor returns the *_SIGTERM state for family.
func sigtermStateFor(f unitFamily) mountunit.MountState {
	switch f {
	case familyMounting:
		return mountunit.MountingSigterm
	case familyRemounting:
		return mountunit.RemountingSigterm
	case familyUnmounting:
		return mountunit.UnmountingSigterm
	default:
		panic("sigtermStateFor: no such family")
	}
}

// sigkillStateFor returns the *_SIGKILL state for family.
func sigkillStateFor(f unitFamily) mountunit.MountState {
	switch f {
	case familyMounting:
		return mountunit.MountingSigkill
	case familyRemounting:
		return mountunit.RemountingSigkill
	case familyUnmounting:
		return mountunit.UnmountingSigkill
	default:
		panic("sigkillStateFor: no such family")
	}
}

// armTimeout arms the unit's timer to fire after its configured
// timeout from now.
func (m *Machine) armTimeout(u *mountunit.Unit) {
	m.timers.Arm(u.Where, time.Now().Add(u.Timeout))
}

// Start implements spec.md §4.6's start command.
func (m *Machine) Start(ctx context.Context, u *mountunit.Unit) error {
	switch u.State {
	case mountunit.Mounting:
		return nil // already starting: no-op
	case mountunit.MountingSigterm, mountunit.MountingSigkill,
		mountunit.UnmountingSigterm, mountunit.UnmountingSigkill:
		return &ErrAgain{UnitName: u.Where, Command: "start"}
	case mountunit.Dead, mountunit.Failed:
		if !m.limiter.allow(u.Where, time.Now()) {
			u.State = mountunit.Dead
			u.Result = mountunit.ResultStartLimitHit
			return &ErrVerificationFailed{UnitName: u.Where, Reason: "start limit hit"}
		}
	case mountunit.Mounted, mountunit.MountingDone:
		return nil // already active: no-op
	default:
		// Remounting, RemountingSigterm, RemountingSigkill, Unmounting:
		// a conflicting operation is in flight.
		return &ErrAgain{UnitName: u.Where, Command: "start"}
	}

	p := u.ParametersFragment
	if p == nil {
		return &ErrVerificationFailed{UnitName: u.Where, Reason: "no fragment parameters to mount with"}
	}

	u.State = mountunit.Mounting
	u.ControlCommandID = mountunit.ExecMount
	m.log.For(u.Where).Mounting(u.Where)

	args := buildMountArgs(p.What, u.Where, p.FSType, p.Options, u.SloppyOptions, false)
	_, pid, err := m.sup.Spawn(ctx, u.Where, m.cfg.MountHelperPath, args)
	if err != nil {
		u.State = mountunit.Dead
		u.Result = mountunit.ResultResources
		m.log.For(u.Where).Warnf("spawn mount helper failed: %v", err)
		return nil
	}
	u.ControlPID = pid
	m.armTimeout(u)
	return nil
}

// Stop implements spec.md §4.6's stop command.
func (m *Machine) Stop(ctx context.Context, u *mountunit.Unit) error {
	switch u.State {
	case mountunit.UnmountingSigterm, mountunit.UnmountingSigkill,
		mountunit.MountingSigterm, mountunit.MountingSigkill:
		return nil // already stopping: no-op
	case mountunit.Mounting, mountunit.MountingDone, mountunit.Mounted,
		mountunit.Remounting, mountunit.RemountingSigterm, mountunit.RemountingSigkill:
		// fall through to spawn umount
	default:
		return &ErrAgain{UnitName: u.Where, Command: "stop"}
	}

	u.EnterUnmounting()
	u.ControlCommandID = mountunit.ExecUnmount
	m.log.For(u.Where).Unmounting(u.Where)

	return m.spawnUnmount(ctx, u)
}

func (m *Machine) spawnUnmount(ctx context.Context, u *mountunit.Unit) error {
	args := buildUmountArgs(u.Where, u.LazyUnmount, u.ForceUnmount)
	_, pid, err := m.sup.Spawn(ctx, u.Where, m.cfg.UmountHelperPath, args)
	if err != nil {
		u.State = mountunit.Mounted
		u.Result = mountunit.ResultResources
		m.log.For(u.Where).Warnf("spawn umount helper failed: %v", err)
		return nil
	}
	u.ControlPID = pid
	m.armTimeout(u)
	return nil
}

// Reload implements spec.md §4.6's reload command.
func (m *Machine) Reload(ctx context.Context, u *mountunit.Unit) error {
	if u.State == mountunit.MountingDone {
		return &ErrAgain{UnitName: u.Where, Command: "reload"}
	}
	if u.State != mountunit.Mounted {
		return &ErrAgain{UnitName: u.Where, Command: "reload"}
	}

	p := u.ParametersFragment
	if p == nil {
		return &ErrVerificationFailed{UnitName: u.Where, Reason: "no fragment parameters to remount with"}
	}

	u.State = mountunit.Remounting
	u.ControlCommandID = mountunit.ExecRemount

	args := buildMountArgs(p.What, u.Where, p.FSType, p.Options, u.SloppyOptions, true)
	_, pid, err := m.sup.Spawn(ctx, u.Where, m.cfg.MountHelperPath, args)
	if err != nil {
		u.State = mountunit.Mounted
		u.ReloadResult = mountunit.ResultResources
		m.log.For(u.Where).Warnf("spawn remount helper failed: %v", err)
		return nil
	}
	u.ControlPID = pid
	m.armTimeout(u)
	return nil
}

// buildMountArgs constructs the literal helper invocation of spec.md
// §6: `mount <what> <where> [-s] [-t <fstype>] [-o <options>]`, or for
// remount, `mount <what> <where> -o remount[,<options>] [-s] [-t <fstype>]`.
func buildMountArgs(what, where, fstype, options string, sloppy, remount bool) []string {
	stripped := mountparam.StripNofailOptions(options)

	args := []string{what, where}
	if remount {
		opt := "remount"
		if stripped != "" {
			opt += "," + stripped
		}
		args = append(args, "-o", opt)
		if sloppy {
			args = append(args, "-s")
		}
		if fstype != "" {
			args = append(args, "-t", fstype)
		}
		return args
	}

	if sloppy {
		args = append(args, "-s")
	}
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	if stripped != "" {
		args = append(args, "-o", stripped)
	}
	return args
}

// buildUmountArgs constructs `umount <where> -c [-l] [-f]` (spec.md §6).
func buildUmountArgs(where string, lazy, force bool) []string {
	args := []string{where, "-c"}
	if lazy {
		args = append(args, "-l")
	}
	if force {
		args = append(args, "-f")
	}
	return args
}

// signalForTerminate and signalForKill are the two escalation signals
// of spec.md §4.6's TERM → KILL sequence.
const (
	signalForTerminate = unix.SIGTERM
	signalForKill       = unix.SIGKILL
)
