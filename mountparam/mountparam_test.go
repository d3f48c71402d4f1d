package mountparam

import "testing"

func TestIsNetwork(t *testing.T) {
	cases := []struct {
		name, opts, fstype string
		want               bool
	}{
		{"nfs fstype", "", "nfs4", true},
		{"netdev opt", "_netdev", "ext4", true},
		{"plain ext4", "defaults", "ext4", false},
		{"cifs", "", "cifs", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsNetwork(c.opts, c.fstype); got != c.want {
				t.Errorf("IsNetwork(%q, %q) = %v, want %v", c.opts, c.fstype, got, c.want)
			}
		})
	}
}

func TestIsBind(t *testing.T) {
	if !IsBind("bind", "") {
		t.Error("bind option should report IsBind")
	}
	if !IsBind("rbind,ro", "") {
		t.Error("rbind option should report IsBind")
	}
	if IsBind("defaults", "ext4") {
		t.Error("plain ext4 should not be IsBind")
	}
}

func TestIsAuto(t *testing.T) {
	if !IsAuto("defaults") {
		t.Error("default options should be IsAuto")
	}
	if IsAuto("noauto,ro") {
		t.Error("noauto should not be IsAuto")
	}
}

func TestIsAutomount(t *testing.T) {
	if !IsAutomount("x-systemd.automount") {
		t.Error("x-systemd.automount should report IsAutomount")
	}
	if IsAutomount("defaults") {
		t.Error("defaults should not be IsAutomount")
	}
}

func TestNeedsQuota(t *testing.T) {
	if !NeedsQuota("usrquota,grpquota", "ext4") {
		t.Error("usrquota on ext4 should need quota")
	}
	if NeedsQuota("usrquota", "nfs4") {
		t.Error("network filesystems never need quota handling")
	}
	if NeedsQuota("bind,usrquota", "") {
		t.Error("bind mounts never need quota handling")
	}
}

func TestIsExtrinsic(t *testing.T) {
	if !IsExtrinsic("/", "", true, false) {
		t.Error("root should always be extrinsic")
	}
	if !IsExtrinsic("/proc", "", true, false) {
		t.Error("/proc should be extrinsic")
	}
	if !IsExtrinsic("/proc/sys", "", true, false) {
		t.Error("subpaths of /proc should be extrinsic")
	}
	if IsExtrinsic("/home", "", true, false) {
		t.Error("/home should not be extrinsic by default")
	}
	if !IsExtrinsic("/home", "", false, false) {
		t.Error("user-mode manager treats everything as extrinsic")
	}
	if !IsExtrinsic("/sysroot/home", "x-initrd.mount", true, false) {
		t.Error("x-initrd.mount outside the initrd should be extrinsic")
	}
	if IsExtrinsic("/sysroot/home", "x-initrd.mount", true, true) {
		t.Error("x-initrd.mount while running as the initrd should not be extrinsic")
	}
}

func TestStripNofailOptions(t *testing.T) {
	got := StripNofailOptions("ro,nofail,noauto,auto,_netdev")
	want := "ro,_netdev"
	if got != want {
		t.Errorf("StripNofailOptions = %q, want %q", got, want)
	}
}

func TestParametersEqual(t *testing.T) {
	a := &Parameters{What: "/dev/sda1", Options: "ro", FSType: "ext4"}
	b := &Parameters{What: "/dev/sda1", Options: "ro", FSType: "ext4"}
	c := &Parameters{What: "/dev/sda2", Options: "ro", FSType: "ext4"}

	if !a.Equal(b) {
		t.Error("identical parameters should be Equal")
	}
	if a.Equal(c) {
		t.Error("differing What should not be Equal")
	}

	var nilA, nilB *Parameters
	if !nilA.Equal(nilB) {
		t.Error("two nil parameters should be Equal")
	}
	if a.Equal(nilA) {
		t.Error("non-nil should not equal nil")
	}
}

func TestParametersClone(t *testing.T) {
	a := &Parameters{What: "/dev/sda1", Options: "ro", FSType: "ext4"}
	clone := a.Clone()
	if clone == a {
		t.Error("Clone should return a distinct pointer")
	}
	if !a.Equal(clone) {
		t.Error("clone should be Equal to the original")
	}

	var nilP *Parameters
	if nilP.Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}
