package state

import (
	"context"

	"mountd/mountunit"
	"mountd/supervisor"
)

// HandleHelperCompletion re-enters the state machine when the Child
// Supervisor reports a control process has exited (spec.md §4.6
// "Helper completion transitions"). present reports whether u.Where is
// currently in the kernel mount table, per the Observer.
func (m *Machine) HandleHelperCompletion(ctx context.Context, u *mountunit.Unit, term supervisor.Termination) error {
	if term.PID != u.ControlPID {
		// A termination for a pid this unit is no longer tracking
		// (e.g. already superseded by a new spawn); absorb silently,
		// per spec.md §5's note that order between the kernel event
		// and the helper exit is undefined and must be tolerated.
		return nil
	}

	family, _ := classify(u.State)
	present := m.observer.IsPresent(u.Where)

	switch family {
	case familyMounting:
		m.completeMounting(u, term.Result, present)
	case familyRemounting:
		m.completeRemounting(u, term.Result, present)
	case familyUnmounting:
		return m.completeUnmounting(ctx, u, term.Result, present)
	default:
		// No helper was in flight for this unit: nothing to do.
		return nil
	}
	return nil
}

func (m *Machine) completeMounting(u *mountunit.Unit, f mountunit.MountResult, present bool) {
	m.timers.Cancel(u.Where)
	u.ControlPID = 0

	if f == mountunit.ResultSuccess || present {
		u.State = mountunit.Mounted
		u.Result = mountunit.ResultSuccess
		m.log.For(u.Where).Mounted(u.Where)
		return
	}

	if f == mountunit.ResultSuccess {
		u.State = mountunit.Dead
	} else {
		u.State = mountunit.Failed
	}
	u.Result = f
	m.log.For(u.Where).FailedMount(u.Where)
}

func (m *Machine) completeRemounting(u *mountunit.Unit, f mountunit.MountResult, present bool) {
	m.timers.Cancel(u.Where)
	u.ControlPID = 0
	u.ReloadResult = f

	if present {
		u.State = mountunit.Mounted
	} else {
		u.State = mountunit.Dead
		u.Result = mountunit.ResultSuccess
	}
}

func (m *Machine) completeUnmounting(ctx context.Context, u *mountunit.Unit, f mountunit.MountResult, present bool) error {
	if f == mountunit.ResultSuccess {
		if present && u.NRetryUmount < m.cfg.RetryUmountMax {
			u.NRetryUmount++
			u.State = mountunit.Unmounting
			return m.spawnUnmount(ctx, u)
		}

		m.timers.Cancel(u.Where)
		u.ControlPID = 0
		u.Result = mountunit.ResultSuccess
		if present {
			// Gave up after exhausting retries; the filesystem is
			// still mounted, so the unit stays active rather than
			// being reported as failed (spec.md §8 scenario 3).
			u.State = mountunit.Mounted
		} else {
			u.State = mountunit.Dead
			m.log.For(u.Where).Unmounted(u.Where)
		}
		return nil
	}

	m.timers.Cancel(u.Where)
	u.ControlPID = 0
	u.Result = f
	m.log.For(u.Where).FailedUnmount(u.Where)
	if present {
		u.State = mountunit.Mounted
	} else {
		u.State = mountunit.Failed
	}
	return nil
}
