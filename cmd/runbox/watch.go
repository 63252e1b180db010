package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/runbox/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the live dashboard",
	RunE:  runWatch,
}

var (
	watchOwner    string
	watchInterval time.Duration
	watchSpawn    bool
)

func init() {
	watchCmd.Flags().StringVar(&watchOwner, "owner", "", "Only show tasks of this owner")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchSpawn, "start-daemon", false, "Start a background daemon if none is reachable")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	running := isDaemonRunning(ctx)
	cancel()

	if !running {
		if !watchSpawn {
			return fmt.Errorf("daemon not reachable at %s (use --start-daemon to launch one)", apiAddr)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "runbox daemon not running. Starting background service...")
		if err := startDaemon(cmd); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(newClient(), tui.Options{Owner: watchOwner, Interval: watchInterval})
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// daemonCommand builds a daemon invocation that serves the address and key
// this CLI was pointed at. The key travels in the environment so it stays
// out of the process list.
func daemonCommand(exe string) (*exec.Cmd, error) {
	u, err := url.Parse(apiAddr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("cannot start a daemon for --api %q", apiAddr)
	}

	daemonArgs := []string{"daemon", "--listen", u.Host}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	proc := exec.Command(exe, daemonArgs...)
	proc.Env = os.Environ()
	if apiKey != "" {
		proc.Env = append(proc.Env, "RUNBOX_API_KEY="+apiKey)
	}
	return proc, nil
}

func startDaemon(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	proc, err := daemonCommand(exe)
	if err != nil {
		return err
	}
	// Detach so the daemon survives the dashboard.
	configureDaemonProc(proc)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil

	if err := proc.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, "   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		ok := isDaemonRunning(ctx)
		cancel()
		if ok {
			fmt.Fprintln(out, " Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(out, ".")
	}
	fmt.Fprintln(out, " Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
