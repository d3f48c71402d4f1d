// Package reconcile implements the Reconciler (spec.md §4.8): the
// diff-and-dispatch pass that reads a kernel mount-table snapshot,
// synthesizes or updates units, dispatches the dependency builder's
// load queue, and drives the disappearance/reappearance bookkeeping
// that feeds the device subsystem and the state machine.
package reconcile

import (
	"github.com/google/uuid"

	"mountd/config"
	"mountd/depgraph"
	"mountd/mlog"
	"mountd/mountparam"
	"mountd/mounttable"
	"mountd/mountunit"
	"mountd/registry"
)

// DeviceNotifier receives the "found by mount" / "no longer found by
// any mount" facts the reconciler derives from the kernel table
// (spec.md §4.8 steps 2 and 7). The full device subsystem (udev
// properties, symlink farms) is out of scope (spec.md §1 Non-goals);
// this is the seam a future device unit package would implement.
type DeviceNotifier interface {
	DeviceFound(source string)
	DeviceGone(source string)
}

// NopDeviceNotifier discards every notification; the default when
// nothing downstream needs device presence tracking.
type NopDeviceNotifier struct{}

func (NopDeviceNotifier) DeviceFound(string) {}
func (NopDeviceNotifier) DeviceGone(string)  {}

// Reconciler runs one diff pass per call to Pass. It holds no state
// across passes beyond the DroppedEvents counter; every set computed
// during a pass (possibly-gone, around) is pass-local.
type Reconciler struct {
	reg      registry.Registry
	cfg      *config.Config
	log      *mlog.Logger
	devices  DeviceNotifier
	inInitrd bool

	// DroppedEvents counts snapshot reads that failed outright (spec.md
	// §9's open question: a lost monitor event degrades to "wait for
	// the next real change", which this counter makes observable
	// instead of silently masking it).
	DroppedEvents uint64
}

// New constructs a Reconciler. devices may be NopDeviceNotifier{} when
// nothing needs device-presence facts.
func New(reg registry.Registry, cfg *config.Config, log *mlog.Logger, devices DeviceNotifier, inInitrd bool) *Reconciler {
	return &Reconciler{reg: reg, cfg: cfg, log: log, devices: devices, inInitrd: inInitrd}
}

// PassWithError is Pass, but additionally tallies and logs a failed
// snapshot read (spec.md §4.8 "Failure semantics": even on a parse
// failure, the reset-flags pass still runs, so the next monitor event
// can retry cleanly).
func (r *Reconciler) PassWithError(entries []mounttable.Entry, snapshotErr error) {
	if snapshotErr != nil {
		r.DroppedEvents++
		r.log.Warnf("mount table snapshot failed: %v", snapshotErr)
	}
	r.Pass(entries)
}

// Pass runs the eight-step algorithm of spec.md §4.8 for one kernel
// mount-table snapshot.
func (r *Reconciler) Pass(entries []mounttable.Entry) {
	r.scan(entries)
	r.dispatchLoadQueue()
	possiblyGone := r.handleDisappearances()
	r.garbageCollectVanished()
	r.notifyStateChanges()
	around := r.aroundSet()
	r.notifyDeviceGone(possiblyGone, around)
	r.resetFlags()
}

// scan is step 2: synthesize-or-update a unit for every snapshot
// entry, notifying the device subsystem that each source was found.
func (r *Reconciler) scan(entries []mounttable.Entry) {
	for _, e := range entries {
		r.devices.DeviceFound(e.Source)

		name, err := registry.NameForPath(e.Target)
		if err != nil {
			continue
		}
		params := &mountparam.Parameters{What: e.Source, Options: e.Options, FSType: e.FSType}

		unit, created := r.reg.LookupOrCreate(name, func() *mountunit.Unit {
			if e.Target == mountunit.RootPath {
				return mountunit.NewRoot(r.cfg.DefaultTimeout, uint32(r.cfg.DefaultDirectoryMode))
			}
			return mountunit.New(e.Target, r.cfg.DefaultTimeout, uint32(r.cfg.DefaultDirectoryMode))
		})

		if created {
			unit.ParametersMountinfo = params
			unit.FromProcSelfMountinfo = true
			unit.IsMounted = true
			unit.JustMounted = true
			unit.JustChanged = true

			if unit.Perpetual {
				// The root mount is perpetual and acquires no default
				// dependencies (spec.md §4.7's final rule); it must
				// never be enqueued for the dependency builder.
				continue
			}

			if !mountparam.IsExtrinsic(unit.Where, params.Options, r.cfg.SystemMode, r.inInitrd) {
				target := depgraph.TargetLocalFS
				if mountparam.IsNetwork(params.Options, params.FSType) {
					target = depgraph.TargetRemoteFS
				}
				r.reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: target})
				r.reg.AddEdge(name, registry.Edge{Kind: registry.EdgeConflicts, Target: depgraph.TargetUmount})
			}

			r.reg.MarkForLoad(name)
			continue
		}

		wasNetwork := unit.ParametersMountinfo != nil &&
			mountparam.IsNetwork(unit.ParametersMountinfo.Options, unit.ParametersMountinfo.FSType)

		unit.JustChanged = unit.ReplaceMountinfoParameters(params)
		unit.JustMounted = !unit.FromProcSelfMountinfo
		unit.IsMounted = true
		unit.FromProcSelfMountinfo = true

		if mountparam.IsNetwork(params.Options, params.FSType) && !wasNetwork {
			r.reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: depgraph.TargetRemoteFS})
		}

		// A unit previously known only from a fragment (not yet backed
		// by an observed kernel entry) is, in this simplified load-state
		// model, already marked loaded the moment FromProcSelfMountinfo
		// goes true above; there is no separate NOT_FOUND/LOADED state
		// to clear here.
	}
}

// dispatchLoadQueue is step 3.
func (r *Reconciler) dispatchLoadQueue() {
	for _, name := range r.reg.DrainLoadQueue() {
		unit, err := r.reg.Lookup(name)
		if err != nil {
			continue
		}
		if err := depgraph.Build(r.reg, unit, r.cfg, r.inInitrd); err != nil {
			r.log.For(unit.Where).Warnf("dependency builder failed: %v", err)
		}
	}
}

// handleDisappearances is step 4: any unit not seen this pass has
// disappeared from the kernel table. Returns the "possibly gone"
// source set.
func (r *Reconciler) handleDisappearances() map[string]bool {
	possiblyGone := make(map[string]bool)

	for _, name := range r.reg.Names() {
		unit, err := r.reg.Lookup(name)
		if err != nil || unit.IsMounted {
			continue
		}

		if unit.FromProcSelfMountinfo && unit.ParametersMountinfo != nil && unit.ParametersMountinfo.What != "" {
			possiblyGone[unit.ParametersMountinfo.What] = true
		}
		unit.FromProcSelfMountinfo = false

		if unit.State == mountunit.Mounted {
			unit.State = mountunit.Dead
			unit.Result = mountunit.ResultSuccess
		}
	}

	return possiblyGone
}

// garbageCollectVanished applies the registry's garbage-collection
// predicate (spec.md §3 "Lifecycle", §8 "For every unit with
// from_fragment = from_proc_self_mountinfo = false, the unit is not
// present in the registry"): a unit with neither a fragment nor a
// kernel-table entry behind it, no helper in flight, and no other
// unit's edge still targeting it, is freed from the registry.
func (r *Reconciler) garbageCollectVanished() {
	referenced := make(map[string]bool)
	for _, name := range r.reg.Names() {
		for _, e := range r.reg.Edges(name) {
			referenced[e.Target] = true
		}
	}

	for _, name := range r.reg.Names() {
		unit, err := r.reg.Lookup(name)
		if err != nil {
			continue
		}
		if unit.Perpetual || unit.FromFragment || unit.FromProcSelfMountinfo {
			continue
		}
		if unit.State.IsHelperActive() || unit.ControlPID != 0 {
			continue
		}
		if referenced[name] {
			continue
		}
		r.reg.Free(name)
	}
}

// notifyStateChanges is step 5.
func (r *Reconciler) notifyStateChanges() {
	for _, name := range r.reg.Names() {
		unit, err := r.reg.Lookup(name)
		if err != nil || (!unit.JustMounted && !unit.JustChanged) {
			continue
		}

		switch unit.State {
		case mountunit.Dead, mountunit.Failed:
			unit.InvocationID = uuid.New().String()
			unit.State = mountunit.Mounted
			unit.Result = mountunit.ResultSuccess
			r.log.For(unit.Where).Mounted(unit.Where)
		case mountunit.Mounting:
			unit.State = mountunit.MountingDone
		default:
			r.log.For(unit.Where).Debugf("kernel table change observed while in %s", unit.State)
		}
	}
}

// aroundSet is step 6.
func (r *Reconciler) aroundSet() map[string]bool {
	around := make(map[string]bool)
	for _, name := range r.reg.Names() {
		unit, err := r.reg.Lookup(name)
		if err != nil || !unit.IsMounted {
			continue
		}
		if unit.ParametersMountinfo != nil && unit.ParametersMountinfo.What != "" {
			around[unit.ParametersMountinfo.What] = true
		}
	}
	return around
}

// notifyDeviceGone is step 7.
func (r *Reconciler) notifyDeviceGone(possiblyGone, around map[string]bool) {
	for source := range possiblyGone {
		if !around[source] {
			r.devices.DeviceGone(source)
		}
	}
}

// resetFlags is step 8.
func (r *Reconciler) resetFlags() {
	for _, name := range r.reg.Names() {
		unit, err := r.reg.Lookup(name)
		if err != nil {
			continue
		}
		unit.ResetScanFlags()
	}
}
