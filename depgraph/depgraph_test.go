package depgraph

import (
	"testing"
	"time"

	"mountd/config"
	"mountd/mountparam"
	"mountd/mountunit"
	"mountd/registry"
)

func testConfig() *config.Config {
	return &config.Config{SystemMode: true}
}

func newUnit(reg registry.Registry, where string, params *mountparam.Parameters) *mountunit.Unit {
	name, err := registry.NameForPath(where)
	if err != nil {
		panic(err)
	}
	u, _ := reg.LookupOrCreate(name, func() *mountunit.Unit {
		u := mountunit.New(where, 90*time.Second, 0755)
		u.FromFragment = true
		u.ParametersFragment = params
		return u
	})
	return u
}

func hasEdge(reg registry.Registry, name string, kind registry.EdgeKind, target string) bool {
	for _, e := range reg.Edges(name) {
		if e.Kind == kind && e.Target == target {
			return true
		}
	}
	return false
}

func TestBuildRequiresParentMount(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/srv/data", &mountparam.Parameters{What: "/dev/sdb1", FSType: "ext4"})
	newUnit(reg, "/srv", &mountparam.Parameters{What: "/dev/sda1", FSType: "ext4"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/srv/data")
	parentName, _ := registry.NameForPath("/srv")
	if !hasEdge(reg, name, registry.EdgeRequires, parentName) {
		t.Error("expected Requires edge on parent mount")
	}
	if !hasEdge(reg, name, registry.EdgeAfter, parentName) {
		t.Error("expected After edge on parent mount")
	}
}

func TestBuildRootHasNoDefaultDependencies(t *testing.T) {
	reg := registry.New()
	root := mountunit.NewRoot(90*time.Second, 0755)
	reg.LookupOrCreate("-.mount", func() *mountunit.Unit { return root })

	if err := Build(reg, root, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(reg.Edges("-.mount")) != 0 {
		t.Errorf("expected no edges for the perpetual root unit, got %v", reg.Edges("-.mount"))
	}
}

func TestBuildBindMountRequiresSource(t *testing.T) {
	reg := registry.New()
	newUnit(reg, "/src", &mountparam.Parameters{What: "/dev/sda1", FSType: "ext4"})
	u := newUnit(reg, "/dst", &mountparam.Parameters{What: "/src", Options: "bind"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/dst")
	srcName, _ := registry.NameForPath("/src")
	if !hasEdge(reg, name, registry.EdgeRequires, srcName) {
		t.Error("expected bind mount to require its source mount")
	}
}

func TestBuildOrdersExistingDependents(t *testing.T) {
	reg := registry.New()
	child := newUnit(reg, "/mnt/child", &mountparam.Parameters{What: "/dev/sdc1", FSType: "ext4"})
	parent := newUnit(reg, "/mnt", &mountparam.Parameters{What: "/dev/sdb1", FSType: "ext4"})

	if err := Build(reg, child, testConfig(), false); err != nil {
		t.Fatalf("Build child: %v", err)
	}
	if err := Build(reg, parent, testConfig(), false); err != nil {
		t.Fatalf("Build parent: %v", err)
	}

	childName, _ := registry.NameForPath("/mnt/child")
	parentName, _ := registry.NameForPath("/mnt")
	if !hasEdge(reg, childName, registry.EdgeAfter, parentName) {
		t.Error("expected the already-registered child to be ordered after its parent")
	}
}

func TestBuildDeviceBoundUsesBindsTo(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/mnt/data", &mountparam.Parameters{
		What: "/dev/sdb1", FSType: "ext4", Options: "x-systemd.device-bound",
	})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/mnt/data")
	if !hasEdge(reg, name, registry.EdgeBindsTo, "dev-sdb1.device") {
		t.Error("expected binds-to edge for a device-bound mount")
	}
}

func TestBuildAutoDeviceWantsMount(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/mnt/data", &mountparam.Parameters{What: "/dev/sdb1", FSType: "ext4"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/mnt/data")
	if !hasEdge(reg, "dev-sdb1.device", registry.EdgeWants, name) {
		t.Error("expected the device unit to want this auto, non-automount mount")
	}
}

func TestBuildQuotaOptionsAddQuotaEdges(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/home", &mountparam.Parameters{What: "/dev/sdd1", FSType: "ext4", Options: "usrquota"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/home")
	if !hasEdge(reg, name, registry.EdgeBefore, ServiceQuotaCheck) {
		t.Error("expected before-edge to quotacheck.service")
	}
	if !hasEdge(reg, name, registry.EdgeWants, ServiceQuotaOn) {
		t.Error("expected wants-edge to quotaon.service")
	}
}

func TestBuildExtrinsicSkipsLocalFSOrdering(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/proc/fs", &mountparam.Parameters{What: "none", FSType: "proc"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/proc/fs")
	if hasEdge(reg, name, registry.EdgeBefore, TargetLocalFSPre) {
		t.Error("extrinsic mounts must not order before local-fs-pre.target")
	}
}

func TestBuildNetworkMountOrdersAfterNetwork(t *testing.T) {
	reg := registry.New()
	u := newUnit(reg, "/mnt/nfs", &mountparam.Parameters{What: "server:/export", FSType: "nfs"})

	if err := Build(reg, u, testConfig(), false); err != nil {
		t.Fatalf("Build: %v", err)
	}

	name, _ := registry.NameForPath("/mnt/nfs")
	if !hasEdge(reg, name, registry.EdgeAfter, TargetNetwork) {
		t.Error("expected network mount ordered after network.target")
	}
	if !hasEdge(reg, name, registry.EdgeWants, TargetNetworkOnline) {
		t.Error("expected network mount to want network-online.target")
	}
	if !hasEdge(reg, name, registry.EdgeBefore, TargetRemoteFSPre) {
		t.Error("expected network mount ordered before remote-fs-pre.target, not local-fs-pre.target")
	}
}

func TestOrderLinearizesChain(t *testing.T) {
	reg := registry.New()
	grandchild := newUnit(reg, "/a/b/c", &mountparam.Parameters{What: "/dev/sd1", FSType: "ext4"})
	child := newUnit(reg, "/a/b", &mountparam.Parameters{What: "/dev/sd2", FSType: "ext4"})
	root := newUnit(reg, "/a", &mountparam.Parameters{What: "/dev/sd3", FSType: "ext4"})

	for _, u := range []*mountunit.Unit{root, child, grandchild} {
		if err := Build(reg, u, testConfig(), false); err != nil {
			t.Fatalf("Build: %v", err)
		}
	}

	order, err := OrderStrict(reg)
	if err != nil {
		t.Fatalf("OrderStrict: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}

	rootName, _ := registry.NameForPath("/a")
	childName, _ := registry.NameForPath("/a/b")
	grandchildName, _ := registry.NameForPath("/a/b/c")

	if !(pos[rootName] < pos[childName] && pos[childName] < pos[grandchildName]) {
		t.Errorf("expected order root < child < grandchild, got %v", order)
	}
}

func TestOrderStrictDetectsCycle(t *testing.T) {
	reg := registry.New()
	reg.LookupOrCreate("a.mount", func() *mountunit.Unit { return mountunit.New("/a", 0, 0) })
	reg.LookupOrCreate("b.mount", func() *mountunit.Unit { return mountunit.New("/b", 0, 0) })
	reg.AddEdge("a.mount", registry.Edge{Kind: registry.EdgeRequires, Target: "b.mount"})
	reg.AddEdge("b.mount", registry.Edge{Kind: registry.EdgeRequires, Target: "a.mount"})

	_, err := OrderStrict(reg)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if cycleErr.OrderedUnits != 0 {
		t.Errorf("expected zero units ordered in a pure two-cycle, got %d", cycleErr.OrderedUnits)
	}
}

func TestDeviceUnitNameEscapesPath(t *testing.T) {
	if got := DeviceUnitName("/dev/disk/by-uuid/abc"); got != "dev-disk-by-uuid-abc.device" {
		t.Errorf("DeviceUnitName: got %q", got)
	}
}
