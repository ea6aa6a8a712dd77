package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/registry"
)

// ContextEnv carries the JSON encoded Context to the child process.
const ContextEnv = "MCP_RELAY_CONTEXT"

const maxStderr = 4096

// ProcessExecutor runs the server as a short-lived child process: the request
// is written to stdin and the response read back from stdout.
type ProcessExecutor struct {
	// MemoryLimitMB is the default RSS ceiling; metadata may lower it.
	MemoryLimitMB  int
	SampleInterval time.Duration
	// Interpreters maps metadata lang values to the program running an
	// entrypoint.
	Interpreters map[string]string
}

// NewProcessExecutor returns a ProcessExecutor with the given ceiling.
func NewProcessExecutor(memoryLimitMB int) *ProcessExecutor {
	return &ProcessExecutor{
		MemoryLimitMB:  memoryLimitMB,
		SampleInterval: 100 * time.Millisecond,
		Interpreters: map[string]string{
			"":       "python3",
			"python": "python3",
			"node":   "node",
		},
	}
}

func (p *ProcessExecutor) command(md registry.Metadata) (string, []string, error) {
	if md.Command != "" {
		return md.Command, md.Args, nil
	}
	if md.Entrypoint != "" {
		bin, ok := p.Interpreters[strings.ToLower(md.Lang)]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported lang %q", ErrNotRunnable, md.Lang)
		}
		return bin, append([]string{md.Entrypoint}, md.Args...), nil
	}
	return "", nil, ErrNotRunnable
}

func (p *ProcessExecutor) limitBytes(md registry.Metadata) uint64 {
	mb := p.MemoryLimitMB
	if md.MemoryLimitMB > 0 && (mb <= 0 || md.MemoryLimitMB < mb) {
		mb = md.MemoryLimitMB
	}
	if mb <= 0 {
		return 0
	}
	return uint64(mb) << 20
}

func (p *ProcessExecutor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	name, args, err := p.command(inv.Metadata)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := withDeadline(ctx, inv.Deadline)
	defer cancel()

	invCtx, err := json.Marshal(inv.Context)
	if err != nil {
		return Result{}, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = inv.Metadata.Workdir
	cmd.Env = append(os.Environ(), envList(inv.Metadata.Env)...)
	cmd.Env = append(cmd.Env, ContextEnv+"="+string(invCtx))
	cmd.Stdin = bytes.NewReader(append(bytes.TrimSpace(inv.Payload), '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: start %s: %v", ErrCrash, name, err)
	}
	var oom atomic.Bool
	watchDone := make(chan struct{})
	if limit := p.limitBytes(inv.Metadata); limit > 0 {
		go p.watchMemory(ctx, cmd.Process, limit, &oom, watchDone)
	} else {
		close(watchDone)
	}
	waitErr := cmd.Wait()
	cancel()
	<-watchDone

	logx.Log.Debug().Str("component", "executor.process").Str("server", inv.UnitRef).
		Str("session_id", inv.Context.SessionID).Dur("duration", time.Since(start)).
		Int("stdout_bytes", stdout.Len()).Msg("process finished")

	switch {
	case oom.Load():
		return Result{}, fmt.Errorf("%w: %s", ErrOutOfMemory, inv.UnitRef)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && waitErr != nil:
		return Result{}, fmt.Errorf("%w: %s", ErrTimeout, inv.UnitRef)
	case waitErr != nil:
		return Result{}, fmt.Errorf("%w: %s: %v: %s", ErrCrash, inv.UnitRef, waitErr, tail(stderr.Bytes()))
	}
	res, err := DecodeResponse(stdout.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrCrash, inv.UnitRef, err)
	}
	return res, nil
}

// watchMemory samples the child's RSS and kills it once the limit is crossed.
func (p *ProcessExecutor) watchMemory(ctx context.Context, proc *os.Process, limit uint64, oom *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	ps, err := process.NewProcessWithContext(ctx, int32(proc.Pid))
	if err != nil {
		return
	}
	interval := p.SampleInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		mi, err := ps.MemoryInfoWithContext(ctx)
		if err == nil && mi.RSS > limit {
			oom.Store(true)
			_ = proc.Kill()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DecodeResponse extracts the JSON-RPC response from a server's stdout. The
// last line holding a response wins, so servers may log JSON before it. A
// stdout that is a single JSON value without an envelope is taken as the
// result.
func DecodeResponse(out []byte) (Result, error) {
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if l := bytes.TrimSpace(sc.Bytes()); len(l) > 0 {
			lines = append(lines, append([]byte(nil), l...))
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var r rpcResponse
		if json.Unmarshal(lines[i], &r) != nil {
			continue
		}
		if res, ok := r.toResult(); ok {
			return res, nil
		}
	}
	whole := bytes.TrimSpace(out)
	if len(whole) > 0 && json.Valid(whole) {
		return Result{Result: json.RawMessage(whole)}, nil
	}
	return Result{}, errors.New("no JSON-RPC response on stdout")
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxStderr {
		b = b[len(b)-maxStderr:]
	}
	return string(b)
}
