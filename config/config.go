// Package config loads the mountd daemon configuration: default helper
// timeout, default mount-point directory mode, system vs. user mode,
// the mountinfo path to watch, and the persistence backend location.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"mountd/mountunit"
)

// Config holds all mountd configuration.
type Config struct {
	// SystemMode is true when this instance manages the system-wide
	// mount table (PID 1's manager); false for a per-user instance.
	// Drives MountParameters.IsExtrinsic per spec.md §4.2.
	SystemMode bool

	// DefaultTimeout bounds every helper invocation unless a unit
	// overrides it (spec.md §3 "timeout").
	DefaultTimeout time.Duration

	// DefaultDirectoryMode is the POSIX mode used to auto-create a
	// missing mount point directory (spec.md §3 "directory_mode").
	DefaultDirectoryMode os.FileMode

	// MountinfoPath is the kernel mount table to read (spec.md §6);
	// overridable so tests never touch the real kernel table.
	MountinfoPath string

	// DatabasePath is where the bbolt-backed persistence layer
	// (SPEC_FULL.md "Persistence backend") stores serialized unit
	// state across a reload-across-exec.
	DatabasePath string

	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string

	// AllowSigkill mirrors the spec's "kill policy permits SIGKILL"
	// predicate (spec.md §4.6); gates the SIGTERM→SIGKILL escalation.
	AllowSigkill bool

	// RetryUmountMax bounds n_retry_umount (spec.md §3, hard cap 32).
	RetryUmountMax int

	// MountHelperPath and UmountHelperPath locate the external helper
	// binaries the core delegates the actual syscalls to (spec.md §1
	// Non-goals, §6 invocation templates).
	MountHelperPath   string
	UmountHelperPath  string

	// StartLimitBurst/StartLimitInterval bound how many times a unit
	// may be started within a sliding window before the state machine
	// rejects further starts with start_limit_hit (spec.md §4.6).
	StartLimitBurst    int
	StartLimitInterval time.Duration
}

const (
	envPrefix = "MOUNTD_"

	defaultTimeout    = 90 * time.Second
	defaultDirMode    = os.FileMode(0755)
	defaultMountinfo  = "/proc/self/mountinfo"
	defaultDBPath     = "/var/lib/mountd/mountd.db"
	defaultLogLevel   = "info"
	defaultRetryLimit = 32

	defaultMountHelper  = "mount"
	defaultUmountHelper = "umount"

	defaultStartLimitBurst    = 5
	defaultStartLimitInterval = 10 * time.Second
)

// Load reads configuration from an INI file at path (if it exists),
// applies environment-variable overrides, and fills in defaults for
// anything left unset. An empty path is not an error: Load returns
// the default configuration with only environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := &Config{
		SystemMode:           true,
		DefaultTimeout:       defaultTimeout,
		DefaultDirectoryMode: defaultDirMode,
		MountinfoPath:        defaultMountinfo,
		DatabasePath:         defaultDBPath,
		LogLevel:             defaultLogLevel,
		AllowSigkill:         true,
		RetryUmountMax:       defaultRetryLimit,
		MountHelperPath:      defaultMountHelper,
		UmountHelperPath:     defaultUmountHelper,
		StartLimitBurst:      defaultStartLimitBurst,
		StartLimitInterval:   defaultStartLimitInterval,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.parseINI(path); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) parseINI(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	sec := f.Section("mountd")

	if sec.HasKey("system_mode") {
		v, err := sec.Key("system_mode").Bool()
		if err != nil {
			return fmt.Errorf("system_mode: %w", err)
		}
		cfg.SystemMode = v
	}

	if sec.HasKey("default_timeout") {
		d, err := time.ParseDuration(sec.Key("default_timeout").String())
		if err != nil {
			return fmt.Errorf("default_timeout: %w", err)
		}
		cfg.DefaultTimeout = d
	}

	if sec.HasKey("default_directory_mode") {
		mode, err := strconv.ParseUint(sec.Key("default_directory_mode").String(), 8, 32)
		if err != nil {
			return fmt.Errorf("default_directory_mode: %w", err)
		}
		cfg.DefaultDirectoryMode = os.FileMode(mode)
	}

	if sec.HasKey("mountinfo_path") {
		cfg.MountinfoPath = sec.Key("mountinfo_path").String()
	}

	if sec.HasKey("database_path") {
		cfg.DatabasePath = sec.Key("database_path").String()
	}

	if sec.HasKey("log_level") {
		cfg.LogLevel = sec.Key("log_level").String()
	}

	if sec.HasKey("allow_sigkill") {
		v, err := sec.Key("allow_sigkill").Bool()
		if err != nil {
			return fmt.Errorf("allow_sigkill: %w", err)
		}
		cfg.AllowSigkill = v
	}

	if sec.HasKey("retry_umount_max") {
		v, err := sec.Key("retry_umount_max").Int()
		if err != nil {
			return fmt.Errorf("retry_umount_max: %w", err)
		}
		cfg.RetryUmountMax = v
	}

	if sec.HasKey("mount_helper_path") {
		cfg.MountHelperPath = sec.Key("mount_helper_path").String()
	}

	if sec.HasKey("umount_helper_path") {
		cfg.UmountHelperPath = sec.Key("umount_helper_path").String()
	}

	if sec.HasKey("start_limit_burst") {
		v, err := sec.Key("start_limit_burst").Int()
		if err != nil {
			return fmt.Errorf("start_limit_burst: %w", err)
		}
		cfg.StartLimitBurst = v
	}

	if sec.HasKey("start_limit_interval") {
		d, err := time.ParseDuration(sec.Key("start_limit_interval").String())
		if err != nil {
			return fmt.Errorf("start_limit_interval: %w", err)
		}
		cfg.StartLimitInterval = d
	}

	return nil
}

// applyEnv lets deployment tooling override SystemMode, DefaultTimeout,
// MountinfoPath, DatabasePath and LogLevel without editing the INI file,
// e.g. MOUNTD_LOG_LEVEL=debug. Other fields are not read from the
// environment.
func (cfg *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "SYSTEM_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SystemMode = b
		}
	}
	if v := os.Getenv(envPrefix + "DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv(envPrefix + "MOUNTINFO_PATH"); v != "" {
		cfg.MountinfoPath = v
	}
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (cfg *Config) validate() error {
	if cfg.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", cfg.DefaultTimeout)
	}
	if cfg.RetryUmountMax <= 0 || cfg.RetryUmountMax > mountunit.RetryUmountMax {
		return fmt.Errorf("retry_umount_max must be in (0,%d], got %d", mountunit.RetryUmountMax, cfg.RetryUmountMax)
	}
	if cfg.MountinfoPath == "" {
		return fmt.Errorf("mountinfo_path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	return nil
}
