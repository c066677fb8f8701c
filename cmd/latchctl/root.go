package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

func submain(ctx context.Context, args []string) int {
	cmd := newRootCommand(os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "latchctl: %s\n", err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		if lock.IsAlreadyHeld(err) {
			return 3
		}
		return 1
	}
	return 0
}

// app carries the state shared by every subcommand once flags are parsed.
type app struct {
	v      *viper.Viper
	logw   io.Writer
	cfg    config
	logger *slog.Logger
}

func (a *app) load() error {
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(a.logw, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})).With("app", "latchctl")
	return nil
}

// withLocker opens the configured backend, runs fn and closes it.
func (a *app) withLocker(fn func(*presets.Locker) error) error {
	l, err := openLocker(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			a.logger.Warn("close backend", "error", err)
		}
	}()
	return fn(l)
}

func newRootCommand(logw io.Writer) *cobra.Command {
	a := &app{logw: logw}
	cmd := &cobra.Command{
		Use:           "latchctl",
		Short:         "latchctl takes and inspects distributed locks",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Hold seat A12 for 30s and print the owner value
  latchctl acquire seat:show42:A12 --ttl 30s

  # Release it later, from any process
  latchctl release seat:show42:A12 --owner <owner>

  # Run a command under a renewed lock
  latchctl exec report:daily --ttl 30s --renew-every 10s -- ./build-report.sh

  # Use NATS JetStream instead of Redis
  LATCH_BACKEND=nats LATCH_NATS_URL=nats://127.0.0.1:4222 latchctl status seat:show42:A12
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	addConfigFlags(cmd.PersistentFlags())
	v, err := newViper(cmd.PersistentFlags())
	if err != nil {
		panic(err)
	}
	a.v = v

	cmd.AddCommand(
		newAcquireCommand(a),
		newReleaseCommand(a),
		newRenewCommand(a),
		newStatusCommand(a),
		newExecCommand(a),
		newConfigCommand(a),
	)
	return cmd
}

func newAcquireCommand(a *app) *cobra.Command {
	var ttl, wait time.Duration
	cmd := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Acquire a lock and print its owner value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLocker(func(l *presets.Locker) error {
				tok, err := l.AcquireWait(cmd.Context(), args[0], ttl, wait)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok.Owner)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "lock expiry")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying for this long while the key is held")
	return cmd
}

func newReleaseCommand(a *app) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "release KEY",
		Short: "Release a lock owned by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLocker(func(l *presets.Locker) error {
				tok, err := l.Resume(args[0], owner, 0)
				if err != nil {
					return err
				}
				ok, err := l.Release(cmd.Context(), tok)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%q is not held by %s", args[0], owner)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "released")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner value printed by acquire")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newRenewCommand(a *app) *cobra.Command {
	var owner string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "renew KEY",
		Short: "Extend a lock owned by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLocker(func(l *presets.Locker) error {
				tok, err := l.Resume(args[0], owner, ttl)
				if err != nil {
					return err
				}
				ok, err := l.Renew(cmd.Context(), tok, ttl)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%q is not held by %s", args[0], owner)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "renewed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner value printed by acquire")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "new expiry")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status KEY",
		Short: "Print the current owner of a lock, or \"free\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLocker(func(l *presets.Locker) error {
				owner, held, err := l.Holder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !held {
					fmt.Fprintln(cmd.OutOrStdout(), "free")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), owner)
				return nil
			})
		},
	}
}

func newExecCommand(a *app) *cobra.Command {
	var ttl, every time.Duration
	cmd := &cobra.Command{
		Use:   "exec KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, argv := args[0], args[1:]
			return a.withLocker(func(l *presets.Locker) error {
				ctx := cmd.Context()
				run := func(ctx context.Context) (struct{}, error) {
					c := exec.CommandContext(ctx, argv[0], argv[1:]...)
					c.Stdin = cmd.InOrStdin()
					c.Stdout = cmd.OutOrStdout()
					c.Stderr = cmd.ErrOrStderr()
					return struct{}{}, c.Run()
				}
				if every <= 0 {
					_, err := lock.Do(ctx, l.Locker, key, ttl, run)
					return err
				}
				_, err := lock.DoWithRenewal(ctx, l.Locker, key, ttl, every, run)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "lock expiry")
	cmd.Flags().DurationVar(&every, "renew-every", 0, "renew the lock at this interval while the command runs (0 disables)")
	return cmd
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect latchctl configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := a.cfg
			if out.Redis.Password != "" {
				out.Redis.Password = "***"
			}
			data, err := yaml.Marshal(out)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
