package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ProcessSpec describes one supervised process.
type ProcessSpec struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	LogFile string   `yaml:"log_file,omitempty"`
}

// ProcessState is the observed state of a supervised process.
type ProcessState string

const (
	StateRunning ProcessState = "running"
	StateStopped ProcessState = "stopped"
	StateCrashed ProcessState = "crashed" // pid file exists but no such process
)

// ProcessInfo is the status snapshot for one process.
type ProcessInfo struct {
	Name  string       `json:"name"`
	State ProcessState `json:"state"`
	PID   int          `json:"pid,omitempty"`
}

// process wraps one spec with its pid-file bookkeeping. The pid file is the
// single source of truth for liveness across supervisor invocations; the
// supervisor itself is a short-lived CLI process, not a daemon.
type process struct {
	spec    ProcessSpec
	pidFile string
	logger  zerolog.Logger
}

func newProcess(spec ProcessSpec, pidDir string, logger zerolog.Logger) *process {
	return &process{
		spec:    spec,
		pidFile: filepath.Join(pidDir, spec.Name+".pid"),
		logger:  logger.With().Str("process", spec.Name).Logger(),
	}
}

// readPID returns the recorded pid, or 0 if there is no pid file.
func (p *process) readPID() int {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// alive reports whether pid names a live process (signal 0 probe).
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (p *process) info() ProcessInfo {
	pid := p.readPID()
	switch {
	case pid == 0:
		return ProcessInfo{Name: p.spec.Name, State: StateStopped}
	case alive(pid):
		return ProcessInfo{Name: p.spec.Name, State: StateRunning, PID: pid}
	default:
		return ProcessInfo{Name: p.spec.Name, State: StateCrashed, PID: pid}
	}
}

// start launches the process detached, redirecting output to its log file,
// and records the pid. Starting an already-running process is a no-op.
func (p *process) start() error {
	if info := p.info(); info.State == StateRunning {
		p.logger.Info().Int("pid", info.PID).Msg("already running")
		return nil
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if p.spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(p.spec.LogFile), 0755); err != nil {
			return fmt.Errorf("supervisor: create log dir for %s: %w", p.spec.Name, err)
		}
		logFile, err := os.OpenFile(p.spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("supervisor: open log file for %s: %w", p.spec.Name, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", p.spec.Name, err)
	}
	pid := cmd.Process.Pid

	// Reap the child in the background so it never lingers as a zombie
	// while this supervisor invocation is alive.
	go func() { _ = cmd.Wait() }()

	// Verify it did not exit immediately before recording the pid.
	time.Sleep(200 * time.Millisecond)
	if !alive(pid) {
		p.cleanupPIDFile()
		return fmt.Errorf("supervisor: %s exited immediately after start", p.spec.Name)
	}

	if err := os.WriteFile(p.pidFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("supervisor: write pid file for %s: %w", p.spec.Name, err)
	}
	p.logger.Info().Int("pid", pid).Msg("started")
	return nil
}

// stop sends SIGTERM and escalates to SIGKILL after timeout. Stopping a
// process that is not running is a no-op.
func (p *process) stop(timeout time.Duration) error {
	pid := p.readPID()
	if !alive(pid) {
		p.cleanupPIDFile()
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		p.cleanupPIDFile()
		return nil
	}

	p.logger.Info().Int("pid", pid).Msg("sending SIGTERM")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		p.cleanupPIDFile()
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			p.logger.Info().Int("pid", pid).Msg("stopped gracefully")
			p.cleanupPIDFile()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	p.logger.Warn().Int("pid", pid).Msg("graceful stop timed out, sending SIGKILL")
	if err := proc.Signal(syscall.SIGKILL); err == nil {
		time.Sleep(200 * time.Millisecond)
	}
	p.cleanupPIDFile()
	if alive(pid) {
		return fmt.Errorf("supervisor: %s (pid %d) survived SIGKILL", p.spec.Name, pid)
	}
	return nil
}

func (p *process) cleanupPIDFile() {
	_ = os.Remove(p.pidFile)
}
