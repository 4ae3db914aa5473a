package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"
)

// staleLockAge is how old a lock file must be before its owner is checked
const staleLockAge = time.Minute

var errLocked = errors.New("settings file is locked")

// LockOptions bounds how long WithLock waits for another writer
type LockOptions struct {
	Timeout    time.Duration
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:    10 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	}
}

// FileLock is an advisory lock held through a sibling "<path>.lock" file
type FileLock struct {
	path     string
	lockPath string
	held     bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, lockPath: path + ".lock"}
}

// Lock retries until the lock is acquired or opts.Timeout passes
func (l *FileLock) Lock(opts LockOptions) error {
	if l.held {
		return errors.New("lock already held")
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if opts.RetryDelay <= 0 || opts.Timeout <= 0 {
		opts = DefaultLockOptions()
	}
	b := backoff.NewConstantBackOff(opts.RetryDelay)
	bounded := backoff.WithMaxRetries(b, uint64(opts.Timeout/opts.RetryDelay))
	err := backoff.Retry(func() error {
		err := l.tryLock()
		if err != nil && !errors.Is(err, errLocked) {
			return backoff.Permanent(err)
		}
		return err
	}, bounded)
	if errors.Is(err, errLocked) {
		return fmt.Errorf("timeout acquiring lock on %s after %v", l.path, opts.Timeout)
	}
	if err != nil {
		return err
	}
	l.held = true
	return nil
}

func (l *FileLock) tryLock() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if os.IsExist(err) {
		if l.stale() {
			_ = os.Remove(l.lockPath)
		}
		return errLocked
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = os.Remove(l.lockPath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// stale reports an old lock whose owner process is gone
func (l *FileLock) stale() bool {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		return true
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return false
	}
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true
	}
	return !processAlive(pid)
}

func (l *FileLock) Unlock() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *FileLock) IsLocked() bool {
	return l.held
}

// WithLock runs fn while holding the lock for path
func WithLock(path string, opts LockOptions, fn func() error) (err error) {
	lock := NewFileLock(path)
	if err := lock.Lock(opts); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn()
}

// WriteSettings saves the effective settings to path. The previous file, if
// any, is kept as "<path>.backup". The write goes through a temporary file
// in the same directory so readers never see a partial file.
func WriteSettings(path string) error {
	return writeSettings(viper.GetViper(), path)
}

func writeSettings(v *viper.Viper, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	return WithLock(path, DefaultLockOptions(), func() error {
		if data, err := os.ReadFile(path); err == nil {
			if err := os.WriteFile(path+".backup", data, 0600); err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
		}

		// keep the extension so viper picks the encoder
		tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
		if err := v.WriteConfigAs(tmp); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to write settings: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to replace settings: %w", err)
		}
		return nil
	})
}

// WriteDefaultSettings writes the built-in defaults to path, leaving out
// values that came from flags, the environment or an existing file.
func WriteDefaultSettings(path string) error {
	v := viper.New()
	setDefaults(v)
	return writeSettings(v, path)
}
