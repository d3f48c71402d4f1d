package mounttable

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleMountinfo = `15 20 0:3 / / rw,relatime shared:1 - ext4 /dev/sda1 rw,errors=remount-ro
21 15 0:6 / /proc rw,nosuid,nodev,noexec,relatime shared:2 - proc proc rw
22 15 0:7 / /sys rw,nosuid,nodev,noexec,relatime shared:3 - sysfs sysfs rw
30 15 0:20 / /mnt/data\040lake rw,relatime shared:4 - ext4 /dev/sdb1 rw
40 15 0:21 / /run/autofs-test rw shared:5 - autofs systemd-1 rw
`

func TestParse(t *testing.T) {
	entries, err := parse(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(entries) != 4 {
		t.Fatalf("expected 4 entries after filtering autofs, got %d: %+v", len(entries), entries)
	}

	if entries[0].Target != "/" || entries[0].Source != "/dev/sda1" || entries[0].FSType != "ext4" {
		t.Errorf("unexpected root entry: %+v", entries[0])
	}

	if entries[3].Target != "/mnt/data lake" {
		t.Errorf("expected octal escape \\040 decoded to space, got %q", entries[3].Target)
	}
}

func TestParseFiltersAutofs(t *testing.T) {
	entries, err := parse(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, e := range entries {
		if e.FSType == "autofs" {
			t.Errorf("autofs entry should have been filtered: %+v", e)
		}
	}
}

func TestUnescapeLenient(t *testing.T) {
	cases := map[string]string{
		`/mnt/data\040lake`: "/mnt/data lake",
		`/mnt/plain`:        "/mnt/plain",
		`/mnt/\q`:            `/mnt/\q`,
		`back\\slash`:       `back\\slash`,
	}
	for in, want := range cases {
		if got := unescape(in); got != want {
			t.Errorf("unescape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSnapshotFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mountinfo")
	if err := os.WriteFile(path, []byte(sampleMountinfo), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewReader(path)
	entries, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := parse(strings.NewReader("not enough fields\n"))
	if err == nil {
		t.Error("expected error parsing malformed line")
	}
}

func TestFingerprintStableAcrossIdenticalSnapshots(t *testing.T) {
	a, err := parse(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatal(err)
	}
	b, err := parse(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatal(err)
	}
	if fingerprintOf(a) != fingerprintOf(b) {
		t.Error("identical snapshots should fingerprint identically")
	}
}

func TestFingerprintChangesOnDiff(t *testing.T) {
	a, err := parse(strings.NewReader(sampleMountinfo))
	if err != nil {
		t.Fatal(err)
	}
	changed := strings.Replace(sampleMountinfo, "rw,relatime shared:1", "ro,relatime shared:1", 1)
	b, err := parse(strings.NewReader(changed))
	if err != nil {
		t.Fatal(err)
	}
	if fingerprintOf(a) == fingerprintOf(b) {
		t.Error("differing option should change the fingerprint")
	}
}
