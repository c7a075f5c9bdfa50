// Package harness orchestrates benchmark runs: it supervises receiver and
// broker processes, drives the sender, and merges the run report.
package harness

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Proc is one supervised child process with its log file.
type Proc struct {
	Label   string
	LogPath string

	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitErr  error
	stopping bool
}

// ProcessGroup supervises a set of child processes so teardown always
// visits every one of them.
type ProcessGroup struct {
	logDir string
	logger *slog.Logger

	mu    sync.Mutex
	procs []*Proc
}

// NewProcessGroup creates a group writing child logs under logDir.
func NewProcessGroup(logDir string, logger *slog.Logger) *ProcessGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessGroup{logDir: logDir, logger: logger}
}

// Start spawns a child with combined stdout/stderr redirected to its own
// log file and begins watching for its exit.
func (g *ProcessGroup) Start(label string, name string, args ...string) (*Proc, error) {
	if err := os.MkdirAll(g.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(g.logDir, label+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file for %s: %w", label, err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", label, err)
	}

	p := &Proc{
		Label:   label,
		LogPath: logPath,
		cmd:     cmd,
		log:     logFile,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitErr = err
		p.mu.Unlock()
		logFile.Close()
		close(p.done)
	}()

	g.mu.Lock()
	g.procs = append(g.procs, p)
	g.mu.Unlock()

	g.logger.Info("process started", "label", label, "pid", cmd.Process.Pid, "log", logPath)
	return p, nil
}

// Alive reports whether the process has not exited yet.
func (p *Proc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// ExitErr returns the wait error once the process has exited, nil before.
func (p *Proc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return nil
	}
	return p.exitErr
}

// LogSize reports the current size of the process log in bytes.
func (p *Proc) LogSize() int64 {
	info, err := os.Stat(p.LogPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Procs returns the supervised processes in start order.
func (g *ProcessGroup) Procs() []*Proc {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Proc, len(g.procs))
	copy(out, g.procs)
	return out
}

// Terminate stops one process: SIGTERM, bounded wait, then SIGKILL.
// Termination errors are logged and swallowed.
func (g *ProcessGroup) Terminate(p *Proc, grace time.Duration) {
	p.mu.Lock()
	p.stopping = true
	alreadyGone := p.exited
	p.mu.Unlock()
	if alreadyGone {
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		g.logger.Warn("sigterm failed", "label", p.Label, "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	g.logger.Warn("process did not stop in time, killing", "label", p.Label)
	if err := p.cmd.Process.Kill(); err != nil {
		g.logger.Warn("kill failed", "label", p.Label, "error", err)
	}
	<-p.done
}

// TerminateAll tears down every process in reverse start order.
func (g *ProcessGroup) TerminateAll(grace time.Duration) {
	procs := g.Procs()
	for i := len(procs) - 1; i >= 0; i-- {
		g.Terminate(procs[i], grace)
	}
}
