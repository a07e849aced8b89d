// Package launcher finds, starts and probes a local browser with remote
// debugging enabled.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/tomyan/rdprun/internal/rdp"
)

// ErrNotFound is returned when no browser binary can be located.
var ErrNotFound = errors.New("browser not found")

// LaunchOptions configures a launch.
type LaunchOptions struct {
	ChromePath string // auto-detected if empty
	Port       int    // remote debugging port
	Headless   bool
	DataDir    string // temp dir created if empty
	ExtraArgs  []string
	Timeout    time.Duration // how long to wait for the debug port, 30s if zero
}

// Instance is a browser started by Launch.
type Instance struct {
	cmd      *exec.Cmd
	Port     int
	PID      int
	DataDir  string
	ownsData bool
}

// FindChrome locates a browser binary. An explicit chromePath is returned
// only if it exists; otherwise PATH and the usual install locations are
// searched.
func FindChrome(chromePath string) string {
	if chromePath != "" {
		if _, err := os.Stat(chromePath); err == nil {
			return chromePath
		}
		return ""
	}

	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsPortOpen reports whether host:port accepts TCP connections.
func IsPortOpen(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForPort polls until host:port accepts connections or ctx ends.
func WaitForPort(ctx context.Context, host string, port int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if IsPortOpen(host, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Args returns the command line Launch uses for opts and dataDir. Test
// pages are loaded from file URLs and read sibling files, so file access
// is always allowed.
func Args(opts LaunchOptions, dataDir string) []string {
	args := []string{
		"--allow-file-access-from-files",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-translate",
		"--mute-audio",
		"--no-first-run",
		"--disable-default-apps",
		fmt.Sprintf("--remote-debugging-port=%d", opts.Port),
		fmt.Sprintf("--user-data-dir=%s", dataDir),
	}
	if opts.Headless {
		args = append([]string{"--headless"}, args...)
	}
	args = append(args, opts.ExtraArgs...)
	return append(args, "about:blank")
}

// Launch starts a browser and waits for its debug port.
func Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	chromePath := FindChrome(opts.ChromePath)
	if chromePath == "" {
		return nil, ErrNotFound
	}

	ownsData := false
	dataDir := opts.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = os.MkdirTemp("", "rdprun-chrome-*")
		if err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		ownsData = true
	}

	cmd := exec.Command(chromePath, Args(opts, dataDir)...)
	if err := cmd.Start(); err != nil {
		if ownsData {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	inst := &Instance{
		cmd:      cmd,
		Port:     opts.Port,
		PID:      cmd.Process.Pid,
		DataDir:  dataDir,
		ownsData: ownsData,
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := WaitForPort(waitCtx, "localhost", opts.Port); err != nil {
		inst.Stop()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}
	return inst, nil
}

// DetectRunning returns version information from a browser already
// listening on host:port.
func DetectRunning(ctx context.Context, host string, port int) (*rdp.VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdp.NewServer(host, port).Version(ctx)
}

// Stop kills the browser and removes its data dir if Launch created it.
func (inst *Instance) Stop() error {
	if inst.cmd != nil && inst.cmd.Process != nil {
		inst.cmd.Process.Kill()
		inst.cmd.Wait()

		// renderer and GPU helpers outlive the parent
		if inst.DataDir != "" {
			exec.Command("pkill", "-9", "-f", inst.DataDir).Run()
		}
		inst.cmd = nil
	}
	if inst.ownsData && inst.DataDir != "" {
		time.Sleep(100 * time.Millisecond)
		os.RemoveAll(inst.DataDir)
		inst.DataDir = ""
	}
	return nil
}
