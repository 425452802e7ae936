// Package launcher locates and starts the target application with its
// remote debugging endpoint enabled. The controller depends only on the
// Launcher interface; everything platform-specific lives in ExecLauncher.
package launcher

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/entrhq/remotedeck/pkg/logging"
)

// Launcher starts the target process with debugging enabled.
type Launcher interface {
	// DetectPath locates the target binary. A non-empty override wins over
	// platform probing.
	DetectPath(override string) (string, error)

	// Launch starts the binary with the debugging endpoint on debugPort.
	Launch(path string, debugPort int) error

	// WaitForPortReady polls until the debug port accepts connections,
	// bounded by maxAttempts probes spaced interval apart.
	WaitForPortReady(port, maxAttempts int, interval time.Duration) bool
}

// ExecLauncher launches the target via os/exec.
type ExecLauncher struct {
	log *logging.Logger

	// lookPath, candidates and kill are swapped out in tests.
	lookPath   func(string) (string, error)
	candidates func() []string
	kill       func(name string) error
}

// NewExecLauncher creates the default launcher.
func NewExecLauncher(log *logging.Logger) *ExecLauncher {
	return &ExecLauncher{
		log:        log,
		lookPath:   exec.LookPath,
		candidates: platformCandidates,
		kill:       killProcess,
	}
}

// killProcess force-terminates every process with the given binary name.
// Returns an error when nothing matched.
func killProcess(name string) error {
	if runtime.GOOS == "windows" {
		return exec.Command("taskkill", "/IM", name, "/F").Run()
	}
	return exec.Command("pkill", "-x", name).Run()
}

// platformCandidates lists the usual install locations of the player binary
// per platform, most specific first.
func platformCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Player.app/Contents/MacOS/Player",
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		return []string{
			filepath.Join(appData, "Player", "Player.exe"),
		}
	default:
		return []string{
			"/usr/bin/player",
			"/usr/local/bin/player",
			"/opt/player/player",
		}
	}
}

// DetectPath locates the target binary. The override, when given, must
// exist; detection never silently falls back past an explicit path.
func (l *ExecLauncher) DetectPath(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("configured target path %s: %w", override, err)
		}
		return override, nil
	}

	for _, candidate := range l.candidates() {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	// Last resort: the binary may simply be on PATH.
	if path, err := l.lookPath("player"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("target binary not found in any known install location")
}

// Launch starts the target detached with remote debugging enabled. It does
// not wait for the process; readiness is observed through WaitForPortReady.
func (l *ExecLauncher) Launch(path string, debugPort int) error {
	// A wedged previous instance can hold the app's singleton lock without
	// serving the debug port, making a relaunch exit immediately. Clear it
	// first; no match is the normal case and not an error.
	if err := l.kill(filepath.Base(path)); err == nil {
		l.log.Infof("terminated stale instance of %s before relaunch", filepath.Base(path))
	}

	cmd := exec.Command(path, fmt.Sprintf("--remote-debugging-port=%d", debugPort))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}

	l.log.Infof("launched %s (pid %d) with debug port %d", path, cmd.Process.Pid, debugPort)

	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

// WaitForPortReady polls the debug port with short TCP dials. Returns true
// as soon as a dial succeeds, false once maxAttempts probes have failed.
func (l *ExecLauncher) WaitForPortReady(port, maxAttempts int, interval time.Duration) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			_ = conn.Close()
			return true
		}
		if attempt < maxAttempts {
			time.Sleep(interval)
		}
	}

	l.log.Warnf("debug port %d not ready after %d probes", port, maxAttempts)
	return false
}
