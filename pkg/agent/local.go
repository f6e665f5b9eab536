package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coworkhq/imgateway/pkg/constants"
)

// localProcess is a long-running local child agent process for one
// session (spec §4.2: local execution mode). It is grounded on the
// same long-lived, stdin/stdout NDJSON shape as the sandbox mode, so both hosting strategies share turnInterpreter.
type localProcess struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
	exited bool
	cancel context.CancelFunc
	stderr *stderrTail
}

type stderrTail struct {
	mu   sync.Mutex
	tail string
}

func (t *stderrTail) write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tail = TruncateTail(t.tail+string(p), constants.TruncateStderrTailLen)
}

func (t *stderrTail) read() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tail
}

func (p *localProcess) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.exited
}

func (p *localProcess) stop() {
	p.mu.Lock()
	cancel := p.cancel
	cmd := p.cmd
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(constants.SandboxStopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (p *localProcess) sendControlResponse(toolUseID string, result PermissionResult) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent: local process has no stdin")
	}
	msg := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id":    toolUseID,
			"behavior":      result.Behavior,
			"updated_input": result.UpdatedInput,
			"message":       result.Message,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

func (p *localProcess) writeUserMessage(prompt string, claudeSessionID string) error {
	msg := map[string]any{
		"type":       "user",
		"session_id": claudeSessionID,
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("agent: local process has no stdin")
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// runLocalTurn drives one turn against the local child process, spawning
// it if this is the first turn on the session (spec §4.2: startSession
// spawns, continueSession reuses the live process). fresh is unused here
// because spawning already only happens when no live process exists —
// both startSession and continueSession converge on the same reuse check.
func (r *Runner) runLocalTurn(ctx context.Context, s *AgentSession, prompt string, fresh bool) error {
	r.mu.Lock()
	proc, exists := r.procs[s.ID]
	r.mu.Unlock()

	if !exists || !proc.alive() {
		var err error
		proc, err = r.spawnLocal(ctx, s)
		if err != nil {
			return fmt.Errorf("spawning local agent process: %w", err)
		}
		r.mu.Lock()
		r.procs[s.ID] = proc
		r.mu.Unlock()
	}

	ti := newTurnInterpreter(ctx, r, s, StartOptions{ConfirmationMode: s.ConfirmationMode, AutoApprove: s.AutoApprove})
	defer ti.cancel()

	s.mu.Lock()
	claudeSessionID := s.ClaudeSessionID
	s.mu.Unlock()

	if err := proc.writeUserMessage(prompt, claudeSessionID); err != nil {
		return err
	}

	return r.pumpLocal(ctx, s, proc, ti)
}

// spawnLocal starts the child agent binary with NDJSON stream output
// (spec §4.2, grounded on the teacher's `claude --output-format
// stream-json --include-partial-messages` invocation).
func (r *Runner) spawnLocal(ctx context.Context, s *AgentSession) (*localProcess, error) {
	pctx, cancel := context.WithCancel(context.Background())
	args := []string{
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--model", r.cfg.Model,
		"--append-system-prompt", s.SystemPrompt,
	}
	cmd := exec.CommandContext(pctx, r.cfg.BinaryPath, args...)
	cmd.Dir = s.WorkspaceRoot

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	p := &localProcess{cmd: cmd, stdin: stdin, cancel: cancel, done: make(chan struct{}), stderr: &stderrTail{}}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				p.stderr.write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()

	p.stdout = stdout
	return p, nil
}

// pumpLocal reads NDJSON lines from the process until the turn's
// terminal event (result/error) or the process exits.
func (r *Runner) pumpLocal(ctx context.Context, s *AgentSession, proc *localProcess, ti *turnInterpreter) error {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	resultCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			var env sdkEnvelope
			if json.Unmarshal(cp, &env) == nil && env.Type == "result" {
				err := ti.handle(cp)
				resultCh <- err
				return
			}
			if err := ti.handle(cp); err != nil {
				resultCh <- err
				return
			}
		}
		if err := scanner.Err(); err != nil {
			resultCh <- fmt.Errorf("reading agent process output: %w", err)
			return
		}
		tail := proc.stderr.read()
		if tail != "" {
			resultCh <- fmt.Errorf("agent process exited: %s", tail)
			return
		}
		resultCh <- fmt.Errorf("agent process exited without a result")
	}()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.done:
		tail := proc.stderr.read()
		if tail != "" {
			return fmt.Errorf("agent process exited: %s", tail)
		}
		return fmt.Errorf("agent process exited unexpectedly")
	}
}
