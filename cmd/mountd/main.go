// Command mountd is the mount-unit manager daemon: it owns the
// registry, the per-unit state machines, the reconciler, and the
// event loop in package manager, and exposes start/stop/reload over a
// small cobra CLI. The long-running "run" subcommand is the daemon
// proper; "mount"/"umount"/"reload" are one-shot clients that load a
// fresh registry, drive a single unit through the same state machine,
// and exit — there is no separate control-plane transport, matching
// spec.md §1's exclusion of a generic unit bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mountd/config"
	"mountd/manager"
	"mountd/mlog"
	"mountd/mountparam"
	"mountd/mounttable"
	"mountd/persist"
	"mountd/reconcile"
	"mountd/registry"
	"mountd/state"
	"mountd/supervisor"
	"mountd/timer"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mountd",
		Short: "Mount-unit manager",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/mountd.conf", "configuration file path")

	root.AddCommand(runCmd(), controlCmd("mount", manager.CmdStart), controlCmd("umount", manager.CmdStop), controlCmd("reload", manager.CmdReload))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildComponents() (*config.Config, *mlog.Logger, *manager.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := mlog.New(os.Stderr, cfg.LogLevel)
	reg := registry.New()
	sup := supervisor.New()
	timers := timer.New()

	reader := mounttable.NewReader(cfg.MountinfoPath)
	watcher, err := mounttable.NewWatcher(reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("watch mount table: %w", err)
	}

	var store *persist.Store
	if cfg.DatabasePath != "" {
		store, err = persist.Open(cfg.DatabasePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open persistence store: %w", err)
		}
	}

	presence := manager.NewPresence()
	machine := state.New(cfg, sup, timers, log, presence)
	recon := reconcile.New(reg, cfg, log, reconcile.NopDeviceNotifier{}, !cfg.SystemMode)

	mgr := manager.New(cfg, reg, machine, recon, watcher, sup, timers, store, log, !cfg.SystemMode, presence)
	return cfg, log, mgr, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mount-unit manager event loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, mgr, err := buildComponents()
			if err != nil {
				return err
			}

			if err := mgr.Coldplug(); err != nil {
				log.Warnf("coldplug: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			go func() {
				sig := <-sigChan
				log.Infof("received signal %v, shutting down", sig)
				cancel()
			}()

			if err := mgr.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

// controlCmd builds a one-shot client subcommand that drives a single
// path through the given command kind on a freshly constructed
// manager, then exits. It runs its own short-lived event loop so the
// state machine's helper spawn/wait/timeout machinery behaves exactly
// as it does under the daemon.
func controlCmd(use string, kind manager.CommandKind) *cobra.Command {
	var what, fstype, options string
	var timeout time.Duration

	c := &cobra.Command{
		Use:   use + " PATH",
		Short: fmt.Sprintf("%s a single mount unit", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, mgr, err := buildComponents()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*timeout+30*time.Second)
			defer cancel()

			go func() {
				if err := mgr.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					log.Errorf("event loop: %v", err)
				}
			}()

			var fragment *mountparam.Parameters
			if kind == manager.CmdStart {
				fragment = &mountparam.Parameters{What: what, Options: options, FSType: fstype}
			}

			reply := make(chan error, 1)
			mgr.Submit(manager.Command{Kind: kind, Where: args[0], Fragment: fragment, Reply: reply})

			select {
			case err := <-reply:
				return err
			case <-ctx.Done():
				return fmt.Errorf("%s %s: %w", use, args[0], ctx.Err())
			}
		},
	}

	if kind == manager.CmdStart {
		c.Flags().StringVar(&what, "what", "", "mount source")
		c.Flags().StringVar(&fstype, "type", "", "filesystem type")
		c.Flags().StringVar(&options, "options", "", "comma-separated mount options")
	}
	c.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "helper timeout budget for this operation")

	return c
}
