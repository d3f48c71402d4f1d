package mountunit

import (
	"fmt"
	"path"
	"strings"
	"time"

	"mountd/mountparam"
)

// RootPath is the perpetual unit's mount point (spec.md §3 "a unit
// named for the root (/) is perpetual").
const RootPath = "/"

// RetryUmountMax bounds n_retry_umount (spec.md §3).
const RetryUmountMax = 32

// Unit is the MountUnit entity of spec.md §3. All mutation of a Unit
// happens on the single-threaded event loop; there is no internal
// locking.
type Unit struct {
	Where string

	State        MountState
	Result       MountResult
	ReloadResult MountResult

	FromFragment         bool
	FromProcSelfMountinfo bool

	ParametersFragment  *mountparam.Parameters
	ParametersMountinfo *mountparam.Parameters

	Timeout       time.Duration
	DirectoryMode uint32

	SloppyOptions bool
	LazyUnmount   bool
	ForceUnmount  bool

	ControlPID       int
	ControlCommandID ExecCommand
	InvocationID     string

	NRetryUmount int

	// Transient, valid only within one reconciliation pass (spec.md §3).
	IsMounted   bool
	JustMounted bool
	JustChanged bool

	// DeserializedState is set by persist.Coldplug and
	// consumed once by the caller (spec.md §4.9).
	DeserializedState       MountState
	HasDeserializedState    bool
	DeserializedControlPID  int
	DeserializedControlCmd  ExecCommand

	// Perpetual marks the root unit (spec.md §3, §4.7, §8 scenario 6).
	Perpetual bool

	// DefaultDependenciesDisabled is set for units that must never
	// acquire the dependency builder's synthesized edges (the root).
	DefaultDependenciesDisabled bool
}

// New constructs a DEAD unit for the given normalized path, with the
// manager-inherited defaults for timeout and directory mode.
func New(where string, defaultTimeout time.Duration, defaultDirMode uint32) *Unit {
	return &Unit{
		Where:         where,
		State:         Dead,
		Result:        ResultSuccess,
		ReloadResult:  ResultSuccess,
		Timeout:       defaultTimeout,
		DirectoryMode: defaultDirMode,
	}
}

// NewRoot constructs the perpetual root unit (spec.md §3, §4.7). It is
// synthesized at startup, is never destroyed, never acquires default
// dependencies, and its stdio bindings are forced to NULL upstream to
// avoid a dependency loop through kmsg logging — callers must not wire
// logging through this unit's own lifecycle.
func NewRoot(defaultTimeout time.Duration, defaultDirMode uint32) *Unit {
	u := New(RootPath, defaultTimeout, defaultDirMode)
	u.Perpetual = true
	u.DefaultDependenciesDisabled = true
	return u
}

// NormalizePath validates and normalizes an absolute mount-point path
// per spec.md §3's invariant: absolute, no ".", no "..", no empty
// segments, no trailing slash except root.
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("mount path %q is not absolute", p)
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("mount path %q is empty", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("mount path %q contains ..", p)
		}
	}
	return clean, nil
}

// CheckInvariants verifies the quantified invariants of spec.md §3/§8
// that are cheap to check per-unit; it is intended for use in tests
// and as an optional runtime assertion at quiescence points.
func (u *Unit) CheckInvariants() error {
	norm, err := NormalizePath(u.Where)
	if err != nil {
		return fmt.Errorf("unit %q: %w", u.Where, err)
	}
	if norm != u.Where {
		return fmt.Errorf("unit %q: not normalized (want %q)", u.Where, norm)
	}

	if (u.ControlPID > 0) != u.State.IsHelperActive() {
		return fmt.Errorf("unit %q: control_pid=%d inconsistent with state %s", u.Where, u.ControlPID, u.State)
	}

	if !u.FromFragment && !u.FromProcSelfMountinfo && !u.Perpetual {
		return fmt.Errorf("unit %q: not loaded from fragment or mountinfo", u.Where)
	}

	if u.NRetryUmount > RetryUmountMax {
		return fmt.Errorf("unit %q: n_retry_umount %d exceeds %d", u.Where, u.NRetryUmount, RetryUmountMax)
	}

	if u.Perpetual && u.DefaultDependenciesDisabled == false {
		return fmt.Errorf("unit %q: perpetual unit must disable default dependencies", u.Where)
	}

	return nil
}

// ReplaceFragmentParameters is the free-and-replace primitive spec.md
// §9 requires: atomic with respect to reporting just_changed by virtue
// of running on the single-threaded event loop.
func (u *Unit) ReplaceFragmentParameters(p *mountparam.Parameters) {
	u.ParametersFragment = p
	u.FromFragment = p != nil
}

// ReplaceMountinfoParameters swaps parameters_mountinfo and reports
// whether the observable triple changed, the reconciler's just_changed
// computation (spec.md §4.8 step 2).
func (u *Unit) ReplaceMountinfoParameters(p *mountparam.Parameters) (changed bool) {
	changed = !u.ParametersMountinfo.Equal(p)
	u.ParametersMountinfo = p
	return changed
}

// ResetScanFlags clears the transient per-pass flags (spec.md §4.8
// step 8).
func (u *Unit) ResetScanFlags() {
	u.IsMounted = false
	u.JustMounted = false
	u.JustChanged = false
}

// EnterUnmounting resets n_retry_umount iff the unit is not already in
// an unmounting state (spec.md §3 "reset only on entry to UNMOUNTING
// from a non-unmounting state").
func (u *Unit) EnterUnmounting() {
	switch u.State {
	case Unmounting, UnmountingSigterm, UnmountingSigkill:
	default:
		u.NRetryUmount = 0
	}
	u.State = Unmounting
}
