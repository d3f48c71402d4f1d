// Package depgraph implements the Dependency Builder (spec.md §4.7):
// synthesizing default and discovered dependency edges for a mount
// unit, and a topological sort of the resulting graph. The edge
// bookkeeping is grounded on the teacher's package dependency graph
// (pkg/deps.go's IDependOn/DependsOnMe bidirectional links and Kahn's
// algorithm), adapted from package build-order to mount ordering.
package depgraph

import (
	"strings"

	"mountd/config"
	"mountd/mountparam"
	"mountd/mountunit"
	"mountd/registry"
)

// Well-known target and service identifiers, passed through unchanged
// to the external registry per spec.md §6.
const (
	TargetLocalFS       = "local-fs.target"
	TargetRemoteFS      = "remote-fs.target"
	TargetLocalFSPre    = "local-fs-pre.target"
	TargetRemoteFSPre   = "remote-fs-pre.target"
	TargetNetwork       = "network.target"
	TargetNetworkOnline = "network-online.target"
	TargetUmount        = "umount.target"
	ServiceQuotaCheck   = "quotacheck.service"
	ServiceQuotaOn      = "quotaon.service"
	RootUnitName        = "-.mount"
)

// Build synthesizes default and discovered dependency edges for unit
// u and attaches them to reg (spec.md §4.7). It is idempotent:
// registry.Registry.AddEdge already deduplicates, so calling Build
// again for the same unit after a parameter change only adds edges
// that are newly applicable — it never removes one, matching the
// reconciler's additive-only rule (spec.md §4.8, §9).
func Build(reg registry.Registry, u *mountunit.Unit, cfg *config.Config, inInitrd bool) error {
	if u.Perpetual || u.DefaultDependenciesDisabled {
		return nil
	}

	name, err := registry.NameForPath(u.Where)
	if err != nil {
		return err
	}

	params := effectiveParameters(u)

	if u.Where != mountunit.RootPath {
		if err := requireMountFor(reg, name, parentOf(u.Where)); err != nil {
			return err
		}
	}

	if params != nil && strings.HasPrefix(params.What, "/") &&
		(mountparam.IsBind(params.Options, params.FSType) ||
			mountparam.IsLoop(params.Options) ||
			!mountparam.IsNetwork(params.Options, params.FSType)) {
		if err := requireMountFor(reg, name, params.What); err != nil {
			return err
		}
	}

	orderDependents(reg, name, u.Where)

	if params != nil {
		linkDevice(reg, name, params, cfg)

		if mountparam.NeedsQuota(params.Options, params.FSType) && cfg.SystemMode {
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: ServiceQuotaCheck})
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeWants, Target: ServiceQuotaCheck})
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: ServiceQuotaOn})
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeWants, Target: ServiceQuotaOn})
		}

		extrinsic := mountparam.IsExtrinsic(u.Where, params.Options, cfg.SystemMode, inInitrd)
		if !extrinsic {
			network := mountparam.IsNetwork(params.Options, params.FSType)
			pre := TargetLocalFSPre
			if network {
				pre = TargetRemoteFSPre
			}
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: pre})
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeConflicts, Target: TargetUmount})
			reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBefore, Target: TargetUmount})

			if network {
				reg.AddEdge(name, registry.Edge{Kind: registry.EdgeAfter, Target: TargetNetwork})
				reg.AddEdge(name, registry.Edge{Kind: registry.EdgeWants, Target: TargetNetworkOnline})
				reg.AddEdge(name, registry.Edge{Kind: registry.EdgeAfter, Target: TargetNetworkOnline})
			}
		}
	}

	return nil
}

// effectiveParameters prefers the fragment's parameters (the
// configured intent) and falls back to the observed mountinfo
// parameters for ad-hoc mounts with no fragment.
func effectiveParameters(u *mountunit.Unit) *mountparam.Parameters {
	if u.ParametersFragment != nil {
		return u.ParametersFragment
	}
	return u.ParametersMountinfo
}

func parentOf(where string) string {
	if where == mountunit.RootPath {
		return mountunit.RootPath
	}
	idx := strings.LastIndex(where, "/")
	if idx <= 0 {
		return mountunit.RootPath
	}
	return where[:idx]
}

// requireMountFor synthesizes the "requires-mount-for" edge: Requires
// and After on the mount unit covering path (spec.md §4.7).
func requireMountFor(reg registry.Registry, fromName, path string) error {
	targetName, err := registry.NameForPath(path)
	if err != nil {
		return err
	}
	if targetName == fromName {
		return nil
	}
	reg.AddEdge(fromName, registry.Edge{Kind: registry.EdgeRequires, Target: targetName})
	reg.AddEdge(fromName, registry.Edge{Kind: registry.EdgeAfter, Target: targetName})
	return nil
}

// orderDependents implements spec.md §4.7's third rule: every other
// registered unit whose mount point is at or below `where` already
// implicitly requires it (through the requires-mount-for chain every
// unit acquires for its own parent), so it must come after `where` is
// mounted.
func orderDependents(reg registry.Registry, name, where string) {
	prefix := where
	if prefix != "/" {
		prefix += "/"
	}

	for _, otherName := range reg.Names() {
		if otherName == name {
			continue
		}
		other, err := reg.Lookup(otherName)
		if err != nil {
			continue
		}
		if other.Where == where || !strings.HasPrefix(other.Where, prefix) {
			continue
		}

		reg.AddEdge(otherName, registry.Edge{Kind: registry.EdgeAfter, Target: name})
		if other.FromFragment {
			reg.AddEdge(otherName, registry.Edge{Kind: registry.EdgeRequires, Target: name})
		}
	}
}

// linkDevice implements spec.md §4.7's device-link rule.
func linkDevice(reg registry.Registry, name string, params *mountparam.Parameters, cfg *config.Config) {
	if !strings.HasPrefix(params.What, "/dev/") || params.What == "/dev/root" {
		return
	}

	deviceName := DeviceUnitName(params.What)

	if mountparam.IsDeviceBound(params.Options) {
		reg.AddEdge(name, registry.Edge{Kind: registry.EdgeBindsTo, Target: deviceName})
	} else {
		reg.AddEdge(name, registry.Edge{Kind: registry.EdgeRequires, Target: deviceName})
	}
	reg.AddEdge(name, registry.Edge{Kind: registry.EdgeAfter, Target: deviceName})

	if mountparam.IsAuto(params.Options) && !mountparam.IsAutomount(params.Options) && cfg.SystemMode {
		reg.AddEdge(deviceName, registry.Edge{Kind: registry.EdgeWants, Target: name})
	}
}

// DeviceUnitName derives the device unit name for a /dev path, the
// same "/" → "-" escape the mount registry uses, suffixed ".device"
// instead of ".mount".
func DeviceUnitName(devPath string) string {
	trimmed := strings.TrimPrefix(devPath, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "-")
	return escaped + ".device"
}
