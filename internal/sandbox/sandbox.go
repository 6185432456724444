// Package sandbox implements Gear: the three-tier tool execution runtime.
// Level selection is a property of the tool manifest, not caller choice.
package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

// Level is one of the three isolation tiers a Gear manifest selects.
type Level int

const (
	Level1InProcess Level = 1
	Level2Process   Level = 2
	Level3Container Level = 3
)

// Manifest describes one gear's execution requirements.
type Manifest struct {
	Gear          string
	Level         Level
	Image         string        // Level 3 only
	Entrypoint    []string      // Level 2/3 argv prefix; action is appended
	MaxMemoryMb   int
	MaxCpuPercent int
	TimeoutMs     time.Duration
	PidsLimit     int64
	Network       bool     // Level 3 only; default false (no network)
	Secrets       []string // secret names the action may request by name
	Workspace     string   // host path mounted read-only into Level 2/3
}

// Capabilities is the set of host operations a sandboxed action may
// invoke through ctx, scoped by the manifest that granted them.
// Implementations live with the pipeline orchestrator, which knows about
// the owning job; sandbox only ever sees this interface.
type Capabilities interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Fetch(ctx context.Context, url string) ([]byte, error)
	Log(msg string)
	Progress(pct float64, msg string)
	CreateSubJob(template map[string]any) (string, error)
	ExecuteHostCommand(name string, args []string) (string, error)
	// Secret resolves a credential by name for injection into the
	// sandbox boundary. The plan's parameters never carry secret values;
	// only secret names do.
	Secret(ctx context.Context, name string) (string, error)
}

// Result is a completed action's output.
type Result struct {
	Output json.RawMessage
	Logs   []string
}

// Runtime dispatches one action execution to the level its manifest
// names. It is the single entry point: execute(manifest, action, params,
// ctx) → result.
type Runtime struct {
	builtins *builtinRegistry
	process  *processRunner
	docker   *dockerRunner
}

// NewRuntime wires all three levels. dockerHost may be empty to use the
// environment-default Docker connection (DOCKER_HOST or the local
// socket); Level 3 execution fails with ERR_GEAR_SANDBOX if no daemon is
// reachable when a Level 3 manifest is actually used.
func NewRuntime() (*Runtime, error) {
	docker, err := newDockerRunner()
	if err != nil {
		return nil, corerr.Wrap(corerr.GearSandbox, err, "initializing docker runtime")
	}
	return &Runtime{
		builtins: newBuiltinRegistry(),
		process:  newProcessRunner(),
		docker:   docker,
	}, nil
}

// RegisterBuiltin adds a Level 1 trusted built-in under gear/action.
func (r *Runtime) RegisterBuiltin(gear, action string, fn BuiltinFunc) {
	r.builtins.register(gear, action, fn)
}

// Execute runs one action under the isolation level its manifest names.
// Every failure mode funnels through ERR_GEAR_SANDBOX or ERR_TIMEOUT.
func (r *Runtime) Execute(ctx context.Context, m Manifest, action string, params json.RawMessage, caps Capabilities) (Result, error) {
	timeout := m.TimeoutMs
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		res Result
		err error
	)
	switch m.Level {
	case Level1InProcess:
		res, err = r.builtins.execute(execCtx, m, action, params, caps)
	case Level2Process:
		res, err = r.process.execute(execCtx, m, action, params, caps)
	case Level3Container:
		res, err = r.docker.execute(execCtx, m, action, params)
	default:
		return Result{}, corerr.New(corerr.GearSandbox, "gear %q declares unknown sandbox level %d", m.Gear, m.Level)
	}

	if err != nil {
		if execCtx.Err() != nil {
			return Result{}, corerr.Wrap(corerr.Timeout, err, "gear %s action %s exceeded %s", m.Gear, action, timeout)
		}
		return Result{}, err
	}
	return res, nil
}

func wrapSandboxErr(gear, action string, err error) error {
	if err == nil {
		return nil
	}
	return corerr.Wrap(corerr.GearSandbox, err, "gear %s action %s", gear, action)
}

func unknownAction(gear, action string) error {
	return corerr.New(corerr.GearSandbox, "gear %q has no action %q registered", gear, action)
}
