// Package mountunit holds the MountUnit entity and the enumerations
// that describe it (spec.md §3): MountState, MountResult, and
// ExecCommand. The state machine, reconciler and serialization layer
// all operate on *MountUnit values owned by this package; they never
// redefine these types themselves.
package mountunit

// MountState is one of the thirteen states of spec.md §4.6. The
// integer values are part of the serialization format (spec.md §4.9,
// §9 "dense integer mapping preserved by the serialization layer") and
// must not be reordered.
type MountState int

const (
	Dead MountState = iota
	Mounting
	MountingDone
	Mounted
	Remounting
	Unmounting
	MountingSigterm
	MountingSigkill
	RemountingSigterm
	RemountingSigkill
	UnmountingSigterm
	UnmountingSigkill
	Failed
)

// stateNames is the canonical string form returned by String, used in
// logging and status output. Persisted records store the integer value,
// not this string.
var stateNames = [...]string{
	Dead:              "dead",
	Mounting:          "mounting",
	MountingDone:      "mounting-done",
	Mounted:           "mounted",
	Remounting:        "remounting",
	Unmounting:        "unmounting",
	MountingSigterm:   "mounting-sigterm",
	MountingSigkill:   "mounting-sigkill",
	RemountingSigterm: "remounting-sigterm",
	RemountingSigkill: "remounting-sigkill",
	UnmountingSigterm: "unmounting-sigterm",
	UnmountingSigkill: "unmounting-sigkill",
	Failed:            "failed",
}

func (s MountState) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseMountState inverts String.
func ParseMountState(s string) (MountState, bool) {
	for i, name := range stateNames {
		if name == s {
			return MountState(i), true
		}
	}
	return Dead, false
}

// ActiveClass is the generic unit-active classification spec.md §4.6's
// table maps every state onto.
type ActiveClass int

const (
	ClassInactive ActiveClass = iota
	ClassActivating
	ClassActive
	ClassReloading
	ClassDeactivating
	ClassFailed
)

var classNames = [...]string{
	ClassInactive:    "inactive",
	ClassActivating:  "activating",
	ClassActive:      "active",
	ClassReloading:   "reloading",
	ClassDeactivating: "deactivating",
	ClassFailed:      "failed",
}

func (c ActiveClass) String() string {
	if int(c) < 0 || int(c) >= len(classNames) {
		return "unknown"
	}
	return classNames[c]
}

// classTable is the pure lookup spec.md §9 calls for.
var classTable = [...]ActiveClass{
	Dead:              ClassInactive,
	Mounting:          ClassActivating,
	MountingDone:      ClassActive,
	Mounted:           ClassActive,
	Remounting:        ClassReloading,
	Unmounting:        ClassDeactivating,
	MountingSigterm:   ClassDeactivating,
	MountingSigkill:   ClassDeactivating,
	RemountingSigterm: ClassReloading,
	RemountingSigkill: ClassReloading,
	UnmountingSigterm: ClassDeactivating,
	UnmountingSigkill: ClassDeactivating,
	Failed:            ClassFailed,
}

// Class returns the generic unit-active classification for s.
func (s MountState) Class() ActiveClass {
	if int(s) < 0 || int(s) >= len(classTable) {
		return ClassInactive
	}
	return classTable[s]
}

// IsHelperActive reports whether control_pid is expected to be set in
// this state (spec.md §3, §8's control_pid invariant).
func (s MountState) IsHelperActive() bool {
	switch s {
	case Mounting, MountingDone, Remounting, Unmounting,
		MountingSigterm, MountingSigkill,
		RemountingSigterm, RemountingSigkill,
		UnmountingSigterm, UnmountingSigkill:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal state for the current
// request (spec.md §4.6).
func (s MountState) IsTerminal() bool {
	return s == Dead || s == Mounted || s == Failed
}

// MountResult is one of spec.md §3 / §7's result kinds.
type MountResult int

const (
	ResultSuccess MountResult = iota
	ResultResources
	ResultTimeout
	ResultExitCode
	ResultSignal
	ResultCoreDump
	ResultStartLimitHit
)

var resultNames = [...]string{
	ResultSuccess:       "success",
	ResultResources:     "resources",
	ResultTimeout:       "timeout",
	ResultExitCode:      "exit-code",
	ResultSignal:        "signal",
	ResultCoreDump:      "core-dump",
	ResultStartLimitHit: "start-limit-hit",
}

func (r MountResult) String() string {
	if int(r) < 0 || int(r) >= len(resultNames) {
		return "unknown"
	}
	return resultNames[r]
}

// ParseMountResult inverts String.
func ParseMountResult(s string) (MountResult, bool) {
	for i, name := range resultNames {
		if name == s {
			return MountResult(i), true
		}
	}
	return ResultSuccess, false
}

// ExecCommand identifies which helper invocation a unit's control_pid
// belongs to (spec.md §6 "Helper-command identifiers").
type ExecCommand int

const (
	ExecNone ExecCommand = iota
	ExecMount
	ExecUnmount
	ExecRemount
)

var execNames = [...]string{
	ExecNone:    "",
	ExecMount:   "ExecMount",
	ExecUnmount: "ExecUnmount",
	ExecRemount: "ExecRemount",
}

func (c ExecCommand) String() string {
	if int(c) < 0 || int(c) >= len(execNames) {
		return "unknown"
	}
	return execNames[c]
}

// ParseExecCommand inverts String.
func ParseExecCommand(s string) (ExecCommand, bool) {
	for i, name := range execNames {
		if name == s {
			return ExecCommand(i), true
		}
	}
	return ExecNone, false
}
