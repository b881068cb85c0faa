package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"macbridge/work/logger"
)

// stderrRingSize bounds how many trailing ffmpeg stderr lines are kept for
// diagnostics when a stream dies.
const stderrRingSize = 50

// stderrRing keeps the last N lines written to it.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingSize {
		r.lines = r.lines[len(r.lines)-stderrRingSize:]
	}
}

// Tail returns the retained lines oldest first.
func (r *stderrRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Process is one running ffmpeg relay. Stdout carries the MPEG-TS output,
// stderr is captured into a ring for post-mortem logging.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *stderrRing
	done   chan struct{}
}

// buildArgs expands the command template. The template is a space-separated
// argument list with <url>, <proxy> and <timeout> placeholders; when no proxy
// is configured the -http_proxy flag and its value are dropped entirely.
func buildArgs(template, streamURL, proxy string, timeoutMicros int64) []string {
	fields := strings.Fields(template)
	args := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if proxy == "" && f == "-http_proxy" {
			i++ // skip the placeholder too
			continue
		}
		f = strings.ReplaceAll(f, "<url>", streamURL)
		f = strings.ReplaceAll(f, "<proxy>", proxy)
		f = strings.ReplaceAll(f, "<timeout>", fmt.Sprintf("%d", timeoutMicros))
		args = append(args, f)
	}
	return args
}

// StartProcess launches ffmpeg for a stream URL. The process gets its own
// process group so the whole tree can be killed; stdin is closed, stdout is
// the TS pipe, stderr feeds the diagnostic ring.
func StartProcess(ctx context.Context, binary, template, streamURL, proxy string, timeout time.Duration) (*Process, error) {
	args := buildArgs(template, streamURL, proxy, timeout.Microseconds())

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stderr: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderrRing{},
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			p.stderr.add(scanner.Text())
		}
	}()
	go func() {
		cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Stdout returns the TS output pipe.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// StderrTail returns the retained stderr lines.
func (p *Process) StderrTail() []string {
	return p.stderr.Tail()
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop terminates the relay: SIGTERM to the process group first, SIGKILL
// after the grace period if it lingers. Always reaps the child.
func (p *Process) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	pgid := p.cmd.Process.Pid

	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	logger.Debug("{dispatch/ffmpeg - Stop} Process group %d ignored SIGTERM, killing", pgid)
	syscall.Kill(-pgid, syscall.SIGKILL)
	<-p.done
}
