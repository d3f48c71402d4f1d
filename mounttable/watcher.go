package mounttable

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Watcher exposes the monitor_fd/drain pair of spec.md §4.1. The
// kernel makes /proc/self/mountinfo readable-for-priority-events on
// any mount-table change, but that wakeup also fires for unrelated
// namespace churn (e.g. the transient creation of /run/mount); this
// Watcher filters those spurious wakeups by comparing a fingerprint of
// the decoded snapshot across drains, only reporting rescan_required
// when the entry set actually differs.
type Watcher struct {
	file        *os.File
	reader      *Reader
	fingerprint string
}

// NewWatcher opens path for polling and primes the fingerprint with
// the current snapshot so the first Drain only reports a change if
// the table differs from what Snapshot would already return.
func NewWatcher(reader *Reader) (*Watcher, error) {
	f, err := os.Open(reader.Path)
	if err != nil {
		return nil, fmt.Errorf("mounttable: watch %s: %w", reader.Path, err)
	}

	w := &Watcher{file: f, reader: reader}
	if snap, err := reader.Snapshot(); err == nil {
		w.fingerprint = fingerprintOf(snap)
	}
	return w, nil
}

// Close releases the underlying file descriptor.
func (w *Watcher) Close() error {
	return w.file.Close()
}

// FD returns the descriptor callers should multiplex into their event
// loop's poll/select set, waiting for POLLPRI|POLLERR (spec.md §4.1
// "monitor_fd").
func (w *Watcher) FD() int {
	return int(w.file.Fd())
}

// Drain consumes all pending readiness on the monitor and reports
// whether the mount table actually changed since the last Drain or
// NewWatcher call (spec.md §4.1's rescan_required).
func (w *Watcher) Drain() (rescanRequired bool, err error) {
	for {
		fds := []unix.PollFd{{Fd: int32(w.FD()), Events: unix.POLLPRI | unix.POLLERR}}
		n, perr := unix.Poll(fds, 0)
		if perr == unix.EINTR {
			continue
		}
		if perr != nil {
			return false, fmt.Errorf("mounttable: poll: %w", perr)
		}
		if n == 0 {
			break
		}
	}

	snap, err := w.reader.Snapshot()
	if err != nil {
		return false, err
	}

	fp := fingerprintOf(snap)
	changed := fp != w.fingerprint
	w.fingerprint = fp
	return changed, nil
}

// Snapshot re-reads the watched mount table, for callers that want the
// actual entries after Drain reports rescanRequired.
func (w *Watcher) Snapshot() ([]Entry, error) {
	return w.reader.Snapshot()
}

// fingerprintOf hashes the ordered entry list so two snapshots compare
// equal iff every (source, target, options, fstype) tuple and the
// order they were observed in are identical.
func fingerprintOf(entries []Entry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x01", e.Source, e.Target, e.Options, e.FSType)
	}
	return hex.EncodeToString(h.Sum(nil))
}
