package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// processRunner drives Level 2: a child process with a stripped
// environment, talking a newline-delimited JSON request/response
// protocol over stdin/stdout. Resource quotas here are advisory — Go's
// os/exec gives no portable memory/cpu cgroup control, so Level 2 only
// enforces the wall-clock timeout strictly; callers that need hard
// memory/cpu limits should mark the manifest Level 3.
type processRunner struct{}

func newProcessRunner() *processRunner {
	return &processRunner{}
}

type level2Request struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

type level2Response struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
	Logs   []string        `json:"logs,omitempty"`
}

func (p *processRunner) execute(ctx context.Context, m Manifest, action string, params json.RawMessage, caps Capabilities) (Result, error) {
	if len(m.Entrypoint) == 0 {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("level 2 manifest has no entrypoint"))
	}

	req, err := json.Marshal(level2Request{Action: action, Parameters: params})
	if err != nil {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("encoding request: %w", err))
	}

	cmd := exec.CommandContext(ctx, m.Entrypoint[0], m.Entrypoint[1:]...)
	cmd.Env = secretEnv(ctx, caps, m.Secrets) // stripped: only the requested secrets, nothing inherited
	if m.Workspace != "" {
		cmd.Dir = m.Workspace
	}
	cmd.Stdin = bytes.NewReader(req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("process exited: %w: %s", err, stderr.String()))
	}

	var resp level2Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("malformed protocol response: %w", err))
	}
	if resp.Error != "" {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("%s", resp.Error))
	}
	return Result{Output: resp.Output, Logs: resp.Logs}, nil
}

// secretEnv builds a minimal environment containing only the secrets the
// manifest declares, resolved by name through caps, never the ambient
// process environment. Credential material never touches the plan.
func secretEnv(ctx context.Context, caps Capabilities, names []string) []string {
	env := make([]string, 0, len(names))
	for _, name := range names {
		val, err := caps.Secret(ctx, name)
		if err != nil {
			continue // missing secret surfaces as an action-level error downstream, not a sandbox crash
		}
		env = append(env, envKey(name)+"="+val)
	}
	return env
}

func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return "MERIDIAN_SECRET_" + string(out)
}
