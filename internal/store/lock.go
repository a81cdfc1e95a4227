package store

import (
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/domain"
)

const lockFileName = ".rotator.lock"

var (
	// ErrLocked means another rotator owns the state directory.
	ErrLocked = stderrors.New("state directory is locked")
	// ErrLockLost means the lock was taken over while this process held it.
	ErrLockLost = stderrors.New("state lock lost")
)

// Owner names one rotator: its state lives under mode/bridge/instance.
type Owner struct {
	Mode     string
	Bridge   string
	Instance string
}

// StateDir is where owner keeps its assets, ratios and lock under root.
func StateDir(root string, o Owner) string {
	return filepath.Join(root, strings.ToLower(o.Mode), strings.ToUpper(o.Bridge), o.Instance)
}

type lockFile struct {
	Mode       string    `json:"mode"`
	Bridge     string    `json:"bridge"`
	Instance   string    `json:"instance"`
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	// SavedAt moves with every asset save; staleness is measured from it.
	SavedAt time.Time `json:"saved_at"`
}

func (f lockFile) owner() Owner {
	return Owner{Mode: f.Mode, Bridge: f.Bridge, Instance: f.Instance}
}

type LockOptions struct {
	TakeoverEnabled bool
	// StaleAfter is how long a lock without a live owner may go without a
	// state save before it can be taken over.
	StaleAfter time.Duration
	Now        func() time.Time
}

// StateLock is held for the lifetime of a rotator on its state directory.
type StateLock struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	meta lockFile
	held bool
}

// LockState creates StateDir(root, owner) if needed and locks it.
func LockState(root string, owner Owner, opts LockOptions) (*StateLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if owner.Mode == "" || owner.Bridge == "" || owner.Instance == "" {
		return nil, errors.Errorf("lock owner needs mode, bridge and instance: %+v", owner)
	}
	dir := StateDir(root, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	path := filepath.Join(dir, lockFileName)

	for attempts := 0; attempts < 3; attempts++ {
		now := nowFn().UTC()
		meta := lockFile{
			Mode:       owner.Mode,
			Bridge:     owner.Bridge,
			Instance:   owner.Instance,
			PID:        os.Getpid(),
			Token:      uuid.NewString(),
			AcquiredAt: now,
			SavedAt:    now,
		}
		err := createLockFile(path, meta)
		if err == nil {
			return &StateLock{path: path, now: nowFn, meta: meta, held: true}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "create lock %s", path)
		}
		if !opts.TakeoverEnabled {
			return nil, errors.Wrap(ErrLocked, path)
		}
		stale, reason, staleErr := shouldTakeover(path, owner, now, opts.StaleAfter)
		if staleErr != nil {
			return nil, errors.Wrapf(ErrLocked, "%s (stale check failed: %v)", path, staleErr)
		}
		if !stale {
			return nil, errors.Wrapf(ErrLocked, "%s (%s)", path, reason)
		}
		log.WithFields(logrus.Fields{
			"event":    "state_lock_takeover",
			"path":     path,
			"reason":   reason,
			"instance": owner.Instance,
		}).Warn("taking over stale state lock")
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, errors.Wrapf(removeErr, "remove stale lock %s", path)
		}
	}
	return nil, errors.Wrap(ErrLocked, path)
}

func createLockFile(path string, meta lockFile) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readLockFile(path string) (lockFile, error) {
	var meta lockFile
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, errors.Wrapf(err, "decode lock %s", path)
	}
	return meta, nil
}

func shouldTakeover(path string, owner Owner, now time.Time, staleAfter time.Duration) (bool, string, error) {
	meta, err := readLockFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	// a lock for someone else means the directory was moved by hand
	if meta.owner() != owner {
		return false, "owner_mismatch", nil
	}
	if meta.PID > 0 {
		alive, err := isProcessAlive(meta.PID)
		if err != nil {
			return false, "", err
		}
		if alive {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if meta.SavedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(meta.SavedAt) >= staleAfter {
		return true, "no_save_since_" + meta.SavedAt.UTC().Format(time.RFC3339), nil
	}
	return false, "lock_not_stale", nil
}

func isProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil, stderrors.Is(err, syscall.EPERM):
		return true, nil
	default:
		return false, nil
	}
}

// Verify fails with ErrLockLost when the file no longer carries this lock's token.
func (l *StateLock) Verify() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyLocked()
}

func (l *StateLock) verifyLocked() error {
	if !l.held {
		return errors.Wrap(ErrLockLost, "released")
	}
	meta, err := readLockFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrLockLost, "lock file removed")
		}
		return err
	}
	if meta.Token != l.meta.Token {
		return errors.Wrapf(ErrLockLost, "taken over by pid %d", meta.PID)
	}
	return nil
}

// Touch records a state save in the lock file.
func (l *StateLock) Touch() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.verifyLocked(); err != nil {
		return err
	}
	l.meta.SavedAt = l.now().UTC()
	return writeJSONAtomic(l.path, l.meta)
}

// Release removes the lock file unless another process has taken it over.
func (l *StateLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	meta, err := readLockFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if meta.Token != l.meta.Token {
		log.WithFields(logrus.Fields{
			"event": "state_lock_release_skipped",
			"path":  l.path,
			"pid":   meta.PID,
		}).Warn("lock owned by another process")
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Guard returns a repository whose asset saves require this lock and refresh it.
func (l *StateLock) Guard(r *Repository) *LockedRepository {
	return &LockedRepository{Repository: r, lock: l}
}

// LockedRepository refuses to write assets once the state lock is lost, so a
// process that was taken over cannot overwrite the new owner's balances.
type LockedRepository struct {
	*Repository
	lock *StateLock
}

func (r *LockedRepository) SaveAssets(assets []domain.AssetSnapshot) error {
	if err := r.lock.Verify(); err != nil {
		return err
	}
	if err := r.Repository.SaveAssets(assets); err != nil {
		return err
	}
	return r.lock.Touch()
}
