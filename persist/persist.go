// Package persist implements Serialization (spec.md §4.9): dumping
// and restoring the five keys spec.md §6 names to a bbolt-backed
// store, and the coldplug re-arming logic that reattaches a
// still-running helper's watch and timer after a reload-across-exec.
// Grounded on the teacher's builddb package: one bbolt bucket,
// JSON-encoded records, structured errors wrapping bolt's.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mountd/mountunit"
	"mountd/supervisor"
	"mountd/timer"
)

// BucketUnits holds one JSON record per unit name.
const BucketUnits = "units"

// ErrRecordNotFound is returned by Load when no record exists for a
// unit name; coldplug treats this the same as a fresh DEAD unit.
var ErrRecordNotFound = fmt.Errorf("persist: no record for unit")

// Record is the on-disk shape of spec.md §4.9's five persisted keys,
// plus the state-change timestamp the coldplug timer rearm needs.
type Record struct {
	State             mountunit.MountState   `json:"state"`
	Result            mountunit.MountResult  `json:"result"`
	ReloadResult      mountunit.MountResult  `json:"reload_result"`
	ControlPID        int                    `json:"control_pid"`
	ControlCommandID  mountunit.ExecCommand  `json:"control_command_id"`
	StateChangeTime   time.Time              `json:"state_change_time"`
	Timeout           time.Duration          `json:"timeout"`
}

// Store wraps a bbolt database for unit-state persistence.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a bbolt database at path, with the units
// bucket initialized, matching the teacher's OpenDB pattern
// (0600 permissions, bucket creation in one write transaction).
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketUnits))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dump writes unitName's current serialized state, timestamped now as
// the moment of this state (spec.md §4.9).
func (s *Store) Dump(unitName string, u *mountunit.Unit, now time.Time) error {
	rec := Record{
		State:            u.State,
		Result:           u.Result,
		ReloadResult:     u.ReloadResult,
		ControlPID:       u.ControlPID,
		ControlCommandID: u.ControlCommandID,
		StateChangeTime:  now,
		Timeout:          u.Timeout,
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", unitName, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketUnits))
		return bucket.Put([]byte(unitName), data)
	})
}

// Load reads unitName's serialized record, or ErrRecordNotFound.
func (s *Store) Load(unitName string) (*Record, error) {
	var rec Record
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketUnits))
		data := bucket.Get([]byte(unitName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", unitName, err)
	}
	if !found {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

// Forget removes unitName's record, e.g. once the registry's garbage
// collection frees the unit.
func (s *Store) Forget(unitName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketUnits))
		return bucket.Delete([]byte(unitName))
	})
}

// Coldplug applies rec to u per spec.md §4.9: adopt the deserialized
// state if it differs from the freshly constructed DEAD unit, and if
// that state has a helper in flight with a still-unwaited pid,
// re-attach the supervisor's watch and re-arm the timer relative to
// state_change_time + timeout rather than from now.
func Coldplug(u *mountunit.Unit, rec *Record, now time.Time, sup *supervisor.Supervisor, timers *timer.Service) error {
	u.DeserializedState = rec.State
	u.HasDeserializedState = true
	u.DeserializedControlPID = rec.ControlPID
	u.DeserializedControlCmd = rec.ControlCommandID

	if rec.State == u.State {
		return nil
	}

	u.State = rec.State
	u.Result = rec.Result
	u.ReloadResult = rec.ReloadResult
	u.ControlCommandID = rec.ControlCommandID
	if rec.Timeout > 0 {
		u.Timeout = rec.Timeout
	}

	if !u.State.IsHelperActive() || rec.ControlPID <= 0 {
		return nil
	}
	if sup.IsWatched(rec.ControlPID) {
		return nil
	}

	u.ControlPID = rec.ControlPID
	if err := sup.Rewatch(u.Where, rec.ControlPID); err != nil {
		// The process is really gone; fall back to a state consistent
		// with no control process in flight rather than leaving a
		// dangling pid the event loop can never hear back from.
		u.ControlPID = 0
		u.State = mountunit.Dead
		return fmt.Errorf("persist: coldplug rewatch %s: %w", u.Where, err)
	}

	deadline := rec.StateChangeTime.Add(u.Timeout)
	if deadline.Before(now) {
		deadline = now
	}
	timers.Arm(u.Where, deadline)
	return nil
}
