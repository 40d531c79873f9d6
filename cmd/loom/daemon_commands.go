package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the loom daemon",
	}

	daemonCmd.AddCommand(newDaemonStartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStopCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))
	daemonCmd.AddCommand(newDaemonRunCommand(ctx))

	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the loom daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			if client, err := ipc.Dial(ctx.socketPath()); err == nil {
				client.Close()
				fmt.Fprintln(stdout, "Daemon already running")
				return nil
			}

			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon not running, launching...")
			if err := launchDaemonProcess(ctx, exe); err != nil {
				return err
			}
			if err := waitForSocket(ctx.socketPath(), 10*time.Second); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon started")
			return nil
		},
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the loom daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if _, err := client.Stop(); err != nil {
				client.Close()
				return fmt.Errorf("stop daemon: %w", err)
			}
			client.Close()
			fmt.Fprintln(stdout, "Stopping daemon...")

			if pid := readDaemonPID(ctx); pid > 0 {
				if err := syscall.Kill(pid, syscall.SIGTERM); err == nil {
					waitForProcessExit(pid, 5*time.Second)
				}
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, store, breaker and cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.dialClient()
			if err != nil {
				if asJSON {
					return writeJSON(cmd, map[string]any{"running": false})
				}
				colorize := shouldColorize(stdout)
				for _, line := range renderSectionHeader("Daemon", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusError, "Not running", colorize))
				return nil
			}
			defer client.Close()

			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("query daemon status: %w", err)
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			renderDaemonStatus(cmd, status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit status as JSON")
	return cmd
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func launchDaemonProcess(ctx *commandContext, exe string) error {
	args := []string{"daemon", "run"}
	if ctx.configFlag != nil {
		if config := strings.TrimSpace(*ctx.configFlag); config != "" {
			args = append(args, "--config", config)
		}
	}
	if ctx.socketFlag != nil {
		if socket := strings.TrimSpace(*ctx.socketFlag); socket != "" {
			args = append(args, "--socket", socket)
		}
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch daemon process: %w", err)
	}
	return cmd.Process.Release()
}

func waitForSocket(socket string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client, err := ipc.Dial(socket); err == nil {
			client.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become ready within %s (socket %s)", timeout, socket)
}

func readDaemonPID(ctx *commandContext) int {
	cfg := ctx.configValue()
	if cfg == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "loom.pid"))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func waitForProcessExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Signal 0 probes for existence without delivering anything.
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func renderDaemonStatus(cmd *cobra.Command, status *ipc.StatusResponse) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(stdout, line)
	}
	runningKind := statusError
	if status.Running {
		runningKind = statusOK
	}
	fmt.Fprintln(stdout, renderStatusLine("Running", runningKind, yesNo(status.Running), colorize))
	fmt.Fprintln(stdout, renderStatusLine("PID", statusInfo, strconv.Itoa(status.PID), colorize))
	fmt.Fprintln(stdout, renderStatusLine("Capabilities", statusInfo, strings.Join(status.Capabilities, ", "), colorize))
	fmt.Fprintln(stdout, renderStatusLine("Stages", statusInfo, strings.Join(status.Stages, ", "), colorize))
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Store", colorize) {
		fmt.Fprintln(stdout, line)
	}
	storeKind := statusOK
	if !status.Store.DatabaseReadable || !status.Store.IntegrityCheck {
		storeKind = statusError
	}
	fmt.Fprintln(stdout, renderStatusLine("Database", storeKind, status.Store.DBPath, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Schema", statusInfo, status.Store.SchemaVersion, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Integrity", boolStatusKind(status.Store.IntegrityCheck), yesNo(status.Store.IntegrityCheck), colorize))
	fmt.Fprintln(stdout, renderStatusLine("Assets", statusInfo, strconv.Itoa(status.Store.TotalAssets), colorize))
	fmt.Fprintln(stdout, renderStatusLine("Results", statusInfo, strconv.Itoa(status.Store.TotalResults), colorize))
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Breakers", colorize) {
		fmt.Fprintln(stdout, line)
	}
	if len(status.Breakers) == 0 {
		fmt.Fprintln(stdout, "No breakers registered")
	} else {
		rows := make([][]string, 0, len(status.Breakers))
		for _, breaker := range status.Breakers {
			rows = append(rows, []string{
				breaker.Name,
				breaker.State,
				strconv.Itoa(breaker.Failures),
				breaker.LastOpenedAt,
			})
		}
		fmt.Fprintln(stdout, renderTable(
			[]string{"Name", "State", "Failures", "Last Opened"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Cache", colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, renderCacheTable(status.Cache))
}

func boolStatusKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}
