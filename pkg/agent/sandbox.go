package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/coworkhq/imgateway/pkg/constants"
	"github.com/coworkhq/imgateway/pkg/logger"
)

// acceleration is one entry of the spawn retry ladder (spec §4.2): try
// the platform's preferred hardware acceleration first, then fall back.
type acceleration struct {
	name string
	args []string
}

func accelerationLadder() []acceleration {
	switch runtime.GOOS {
	case "darwin":
		return []acceleration{{"hvf", []string{"-accel", "hvf"}}, {"launchd-helper", []string{"-accel", "hvf", "-via-launchd"}}}
	case "windows":
		return []acceleration{{"whpx", []string{"-accel", "whpx"}}, {"software", []string{"-accel", "tcg"}}}
	default:
		return []acceleration{{"native", []string{"-accel", "kvm"}}}
	}
}

// sandboxVM is a per-session sandbox VM child process communicating over
// a private IPC directory (spec §4.2: "file-polling response channel").
type sandboxVM struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	ipcDir    string
	stderr    *stderrTail
	done      chan struct{}
	exited    bool
	correlate *ipcCorrelator
	watchOnce sync.Once
}

func (v *sandboxVM) alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cmd != nil && !v.exited
}

func (v *sandboxVM) stop() {
	v.mu.Lock()
	cancel := v.cancel
	cmd := v.cmd
	dir := v.ipcDir
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
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
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

// runSandboxTurn drives one turn inside the session's sandbox VM,
// spawning it with the acceleration retry ladder if not already running
// (spec §4.2). Errors bubble to runTurn, which handles the auto-mode
// fallback to local execution (spec §8 scenario 6).
func (r *Runner) runSandboxTurn(ctx context.Context, s *AgentSession, prompt string, opts StartOptions) error {
	r.mu.Lock()
	v, exists := r.vms[s.ID]
	r.mu.Unlock()

	if !exists || !v.alive() {
		var err error
		v, err = r.spawnSandbox(ctx, s)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.vms[s.ID] = v
		r.mu.Unlock()
	}

	ti := newTurnInterpreter(ctx, r, s, opts)
	defer ti.cancel()

	return v.pushTurn(ctx, r, s, prompt, ti)
}

// spawnSandbox runs the acceleration retry ladder (max 3 attempts total
// across the ladder, spec §4.2), then waits for VM readiness.
func (r *Runner) spawnSandbox(ctx context.Context, s *AgentSession) (*sandboxVM, error) {
	ladder := accelerationLadder()
	var lastErr error
	attempts := 0
	for _, accel := range ladder {
		if attempts >= 3 {
			break
		}
		attempts++
		v, err := r.trySpawn(s, accel)
		if err == nil {
			if rerr := waitSandboxReady(ctx, v.ipcDir); rerr != nil {
				v.stop()
				lastErr = rerr
				continue
			}
			return v, nil
		}
		logger.WarnCF("agent", "sandbox spawn attempt failed", map[string]any{"session": s.ID, "acceleration": accel.name, "error": err.Error()})
		lastErr = err
	}
	return nil, fmt.Errorf("agent: sandbox spawn exhausted retry ladder: %w", lastErr)
}

func (r *Runner) trySpawn(s *AgentSession, accel acceleration) (*sandboxVM, error) {
	ipcDir, err := os.MkdirTemp("", "imgateway-sandbox-*")
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"requests", "responses", "host-tool"} {
		if err := os.MkdirAll(filepath.Join(ipcDir, sub), 0o700); err != nil {
			os.RemoveAll(ipcDir)
			return nil, err
		}
	}

	pctx, cancel := context.WithCancel(context.Background())
	args := append([]string{"-ipc-dir", ipcDir, "-workspace", s.WorkspaceRoot}, accel.args...)
	cmd := exec.CommandContext(pctx, r.cfg.BinaryPath+"-sandbox", args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		os.RemoveAll(ipcDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		os.RemoveAll(ipcDir)
		return nil, fmt.Errorf("HV_DENIED or launch failure (%s): %w", accel.name, err)
	}

	v := &sandboxVM{
		cmd: cmd, cancel: cancel, ipcDir: ipcDir,
		stderr: &stderrTail{}, done: make(chan struct{}), correlate: newIPCCorrelator(),
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderrPipe.Read(buf)
			if n > 0 {
				v.stderr.write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		cmd.Wait()
		v.mu.Lock()
		v.exited = true
		v.mu.Unlock()
		close(v.done)
	}()
	return v, nil
}

// waitSandboxReady polls the IPC heartbeat file (spec §4.2: timestamped
// within 10s AND IPC mounted, 100ms poll, 60s cap).
func waitSandboxReady(ctx context.Context, ipcDir string) error {
	deadline := time.Now().Add(constants.SandboxReadinessCap)
	heartbeat := filepath.Join(ipcDir, "heartbeat")
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if info, err := os.Stat(heartbeat); err == nil {
			if time.Since(info.ModTime()) < 10*time.Second {
				if mounted(ipcDir) {
					return nil
				}
			}
		}
		time.Sleep(constants.SandboxReadinessPoll)
	}
	return fmt.Errorf("agent: sandbox VM did not become ready within %s", constants.SandboxReadinessCap)
}

func mounted(ipcDir string) bool {
	for _, sub := range []string{"requests", "responses"} {
		if _, err := os.Stat(filepath.Join(ipcDir, sub)); err != nil {
			return false
		}
	}
	return true
}

// pushTurn writes a new request onto the IPC requests directory (reusing
// a live VM rather than respawning, spec §4.2 "multi-turn continuation")
// and watches the responses directory for this turn's NDJSON events plus
// any host-tool-request files.
func (v *sandboxVM) pushTurn(ctx context.Context, r *Runner, s *AgentSession, prompt string, ti *turnInterpreter) error {
	reqID := uuid.NewString()
	req := map[string]any{
		"type":       "turn_request",
		"request_id": reqID,
		"prompt":     prompt,
		"session_id": s.ClaudeSessionID,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	reqPath := filepath.Join(v.ipcDir, "requests", reqID+".json")
	if err := os.WriteFile(reqPath, data, 0o600); err != nil {
		return fmt.Errorf("writing sandbox request: %w", err)
	}

	v.startHostToolWatcher(r)

	respDir := filepath.Join(v.ipcDir, "responses", reqID)
	seen := map[string]bool{}
	ticker := time.NewTicker(constants.SandboxReadinessPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.done:
			tail := v.stderr.read()
			if tail != "" {
				return fmt.Errorf("sandbox VM exited: %s", tail)
			}
			return fmt.Errorf("sandbox VM exited unexpectedly")
		case <-ticker.C:
			entries, err := os.ReadDir(respDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if seen[e.Name()] {
					continue
				}
				seen[e.Name()] = true
				line, err := os.ReadFile(filepath.Join(respDir, e.Name()))
				if err != nil {
					continue
				}
				var env sdkEnvelope
				if json.Unmarshal(line, &env) == nil && env.Type == "result" {
					err := ti.handle(line)
					return err
				}
				if err := ti.handle(line); err != nil {
					return err
				}
			}
		}
	}
}

// startHostToolWatcher polls the ipc host-tool directory for requests
// the VM emits to invoke host-resident tools (spec §4.2 host-tool
// bridge). Safe to call repeatedly; only the first call per VM starts
// the goroutine.
func (v *sandboxVM) startHostToolWatcher(r *Runner) {
	v.watchOnce.Do(func() {
		dir := filepath.Join(v.ipcDir, "host-tool")
		go func() {
			seen := map[string]bool{}
			ticker := time.NewTicker(constants.SandboxReadinessPoll)
			defer ticker.Stop()
			for {
				select {
				case <-v.done:
					return
				case <-ticker.C:
					entries, err := os.ReadDir(dir)
					if err != nil {
						continue
					}
					for _, e := range entries {
						if seen[e.Name()] || filepath.Ext(e.Name()) != ".req" {
							continue
						}
						seen[e.Name()] = true
						data, err := os.ReadFile(filepath.Join(dir, e.Name()))
						if err != nil {
							continue
						}
						var req hostToolRequest
						if json.Unmarshal(data, &req) != nil {
							continue
						}
						r.handleHostToolRequest(v, req)
					}
				}
			}
		}()
	})
}

// replyHostTool writes the host-tool result (or error) back for the VM
// to pick up via its own IPC polling.
func (v *sandboxVM) replyHostTool(requestID string, result json.RawMessage, toolErr error) {
	resp := map[string]any{"request_id": requestID}
	if toolErr != nil {
		resp["error"] = toolErr.Error()
	} else {
		resp["result"] = result
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	path := filepath.Join(v.ipcDir, "host-tool", requestID+".resp")
	_ = os.WriteFile(path, data, 0o600)
}

// sendControlResponse delivers a permission decision to the VM: written
// both to a per-request response file and handed to the IPC correlator
// so an in-process waiter (if any) also observes it (spec §4.2: "written
// both to a per-request response file and sent on the IPC bridge").
func (v *sandboxVM) sendControlResponse(toolUseID string, result PermissionResult) error {
	payload, err := json.Marshal(map[string]any{
		"request_id":    toolUseID,
		"behavior":      result.Behavior,
		"updated_input": result.UpdatedInput,
		"message":       result.Message,
	})
	if err != nil {
		return err
	}
	path := filepath.Join(v.ipcDir, "responses", "permission-"+toolUseID+".json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("writing sandbox permission response: %w", err)
	}
	v.correlate.deliver(toolUseID, payload)
	return nil
}
