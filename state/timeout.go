package state

import (
	"mountd/mountunit"
)

// HandleTimeout re-enters the state machine when the Timer Service
// reports the armed timer for u expired (spec.md §4.6 "Timeout
// transitions"): escalates TERM → KILL → give-up.
func (m *Machine) HandleTimeout(u *mountunit.Unit) {
	family, ph := classify(u.State)
	if family == familyNone {
		// Stray firing for a unit with no helper in flight; ignore.
		return
	}

	switch ph {
	case phaseBase:
		m.escalateToSigterm(u, family)
	case phaseSigterm:
		if m.cfg.AllowSigkill {
			m.escalateToSigkill(u, family)
		} else {
			m.giveUp(u, family)
		}
	case phaseSigkill:
		// The helper is deemed unkillable; give up.
		m.giveUp(u, family)
	}
}

func (m *Machine) escalateToSigterm(u *mountunit.Unit, family unitFamily) {
	if u.ControlPID > 0 {
		if err := m.sup.Kill(u.ControlPID, signalForTerminate); err != nil {
			m.log.For(u.Where).Warnf("failed to send SIGTERM: %v", err)
		}
	}
	u.State = sigtermStateFor(family)
	m.armTimeout(u)
}

func (m *Machine) escalateToSigkill(u *mountunit.Unit, family unitFamily) {
	if u.ControlPID > 0 {
		if err := m.sup.Kill(u.ControlPID, signalForKill); err != nil {
			m.log.For(u.Where).Warnf("failed to send SIGKILL: %v", err)
		}
	}
	u.State = sigkillStateFor(family)
	m.armTimeout(u)
}

func (m *Machine) giveUp(u *mountunit.Unit, family unitFamily) {
	m.timers.Cancel(u.Where)
	u.ControlPID = 0

	present := m.observer.IsPresent(u.Where)
	if present {
		u.State = mountunit.Mounted
	} else {
		u.State = mountunit.Dead
	}
	u.Result = mountunit.ResultTimeout
	if family == familyRemounting {
		u.ReloadResult = mountunit.ResultTimeout
	}

	switch family {
	case familyMounting:
		m.log.For(u.Where).TimedOutMount(u.Where)
	case familyUnmounting:
		m.log.For(u.Where).TimedOutUnmount(u.Where)
	}
}
