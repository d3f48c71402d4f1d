// Package mountparam implements the Parameter Model: MountParameters
// and the pure predicate functions over (options, fstype) defined in
// spec.md §4.2. Two independent MountParameters values are kept per
// mount unit — one from the configuration fragment, one observed in
// the kernel mount table — so this package never owns a MountUnit; it
// only describes the value and the questions askable of it.
package mountparam

import "strings"

// Parameters is the `what`/`options`/`fstype` triple of spec.md §3.
// A nil *Parameters (or one with an empty What) means "not loaded".
type Parameters struct {
	What    string // source device or path ("what" in spec.md)
	Options string // comma-separated mount options
	FSType  string
}

// Equal reports whether two parameter sets describe the same mount,
// used by the reconciler (spec.md §4.8) to decide just_changed.
func (p *Parameters) Equal(other *Parameters) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.What == other.What && p.Options == other.Options && p.FSType == other.FSType
}

// Clone returns a deep copy suitable for the free-and-replace
// primitive spec.md §9 requires for parameters ownership.
func (p *Parameters) Clone() *Parameters {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// options splits the comma-separated option string into a set for
// membership tests; empty and duplicate entries collapse harmlessly.
func options(opts string) map[string]bool {
	set := make(map[string]bool)
	for _, o := range strings.Split(opts, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			set[o] = true
		}
	}
	return set
}

// hasAny reports whether opts contains any of the given option names.
func hasAny(opts string, names ...string) bool {
	set := options(opts)
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}

// networkFSTypes are filesystem types spec.md §4.2 calls "the known
// network set" — kept in one place so IsNetwork and needs_network
// agree by construction.
var networkFSTypes = map[string]bool{
	"nfs": true, "nfs4": true, "cifs": true, "smbfs": true,
	"afs": true, "ncp": true, "ncpfs": true, "9p": true,
	"gfs": true, "gfs2": true, "glusterfs": true, "fuse.sshfs": true,
	"fuse.glusterfs": true, "ceph": true, "cephfs": true,
	"fuse.ceph": true, "gluster": true, "beegfs": true, "davfs": true,
}

// IsNetwork implements spec.md §4.2 "needs_network".
func IsNetwork(options, fstype string) bool {
	if hasAny(options, "_netdev") {
		return true
	}
	return networkFSTypes[fstype]
}

// IsBind implements spec.md §4.2 "is_bind".
func IsBind(options, fstype string) bool {
	if hasAny(options, "bind", "rbind") {
		return true
	}
	return fstype == "bind" || fstype == "rbind"
}

// IsLoop implements spec.md §4.2 "is_loop".
func IsLoop(options string) bool {
	return hasAny(options, "loop")
}

// IsAuto implements spec.md §4.2 "is_auto": true unless noauto is set.
func IsAuto(options string) bool {
	return !hasAny(options, "noauto")
}

// IsAutomount implements spec.md §4.2 "is_automount".
func IsAutomount(options string) bool {
	return hasAny(options, "comment=systemd.automount", "x-systemd.automount")
}

// quotaOptions are the option names spec.md §4.2 "needs_quota" checks
// for intersection with.
var quotaOptions = []string{"usrquota", "grpquota", "quota", "usrjquota", "grpjquota"}

// NeedsQuota implements spec.md §4.2 "needs_quota": not network, not
// bind, and the option set intersects the quota option names.
func NeedsQuota(options, fstype string) bool {
	if IsNetwork(options, fstype) || IsBind(options, fstype) {
		return false
	}
	return hasAny(options, quotaOptions...)
}

// apiFilesystemPrefixes are the extrinsic path prefixes spec.md §4.2
// names explicitly.
var apiFilesystemPrefixes = []string{"/run/initramfs", "/proc", "/sys", "/dev"}

// IsExtrinsic implements spec.md §4.2 "is_extrinsic". systemMode is
// false for a per-user manager; inInitrd reflects whether this
// process is itself running as the initrd (spec.md's "the process is
// not the initrd" clause).
func IsExtrinsic(where, options string, systemMode, inInitrd bool) bool {
	if !systemMode {
		return true
	}
	if where == "/" || where == "/usr" {
		return true
	}
	for _, prefix := range apiFilesystemPrefixes {
		if where == prefix || strings.HasPrefix(where, prefix+"/") {
			return true
		}
	}
	if hasAny(options, "x-initrd.mount") && !inInitrd {
		return true
	}
	return false
}

// StripNofailOptions removes the options spec.md §6 says must never
// reach the mount(8) helper: nofail, noauto, auto.
func StripNofailOptions(opts string) string {
	var kept []string
	for _, o := range strings.Split(opts, ",") {
		o = strings.TrimSpace(o)
		switch o {
		case "", "nofail", "noauto", "auto":
			continue
		default:
			kept = append(kept, o)
		}
	}
	return strings.Join(kept, ",")
}

// IsDeviceBound reports whether the fragment requested
// x-systemd.device-bound, used by the dependency builder (spec.md
// §4.7) to choose between a "binds-to" and a "requires" edge.
func IsDeviceBound(options string) bool {
	return hasAny(options, "x-systemd.device-bound")
}
