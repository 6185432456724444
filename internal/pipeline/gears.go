// Package pipeline is the orchestrator: it drives one job through
// Scout planning, Sentinel review, and Gear execution, persisting every
// transition to the audit chain.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/sandbox"
)

// GearRegistry resolves a gear name to the sandbox.Manifest that governs
// its execution, and registers the small set of trusted built-ins Level
// 1 gears run in-process.
type GearRegistry struct {
	manifests map[string]sandbox.Manifest
}

// NewGearRegistry builds the registry from the sandbox defaults section
// of config, and wires the built-in fs/http gears (Level 1) plus the
// shell gear (Level 2, gated by general.shell_gear_enabled).
func NewGearRegistry(cfg config.Config, runtime *sandbox.Runtime) *GearRegistry {
	d := cfg.Sandbox.Defaults
	base := sandbox.Manifest{
		MaxMemoryMb:   d.MaxMemoryMb,
		MaxCpuPercent: d.MaxCpuPercent,
		TimeoutMs:     d.TimeoutMs.Duration,
		PidsLimit:     d.PidsLimit,
		Image:         d.Image,
		Workspace:     "",
	}

	reg := &GearRegistry{manifests: make(map[string]sandbox.Manifest)}

	fsManifest := base
	fsManifest.Gear = "fs"
	fsManifest.Level = sandbox.Level1InProcess
	reg.manifests["fs"] = fsManifest
	runtime.RegisterBuiltin("fs", "read_file", builtinReadFile)
	runtime.RegisterBuiltin("fs", "write_file", builtinWriteFile)

	httpManifest := base
	httpManifest.Gear = "http"
	httpManifest.Level = sandbox.Level1InProcess
	reg.manifests["http"] = httpManifest
	runtime.RegisterBuiltin("http", "fetch", builtinFetch)

	if cfg.General.ShellGearEnabled {
		shellManifest := base
		shellManifest.Gear = "shell"
		shellManifest.Level = sandbox.Level2Process
		shellManifest.Entrypoint = []string{"meridian-gear-shell"}
		reg.manifests["shell"] = shellManifest
	}

	containerManifest := base
	containerManifest.Gear = "container"
	containerManifest.Level = sandbox.Level3Container
	containerManifest.Network = false
	reg.manifests["container"] = containerManifest

	return reg
}

// Manifest returns the manifest registered for gear, or an error if no
// gear by that name is known.
func (r *GearRegistry) Manifest(gear string) (sandbox.Manifest, error) {
	m, ok := r.manifests[gear]
	if !ok {
		return sandbox.Manifest{}, fmt.Errorf("pipeline: unknown gear %q", gear)
	}
	return m, nil
}

// ToolManifest renders every registered gear/action pair Scout is
// allowed to plan against. Kept intentionally short: only the built-in
// actions this process actually registered.
func (r *GearRegistry) ToolManifest() []toolEntry {
	entries := []toolEntry{
		{Gear: "fs", Action: "read_file", Description: "read a file from the job workspace"},
		{Gear: "fs", Action: "write_file", Description: "write a file into the job workspace"},
		{Gear: "http", Action: "fetch", Description: "fetch a URL and return its body as untrusted external content"},
	}
	if _, ok := r.manifests["shell"]; ok {
		entries = append(entries, toolEntry{Gear: "shell", Action: "execute", Description: "run a shell command in an isolated process"})
	}
	if _, ok := r.manifests["container"]; ok {
		entries = append(entries, toolEntry{Gear: "container", Action: "run", Description: "run an action inside the sandboxed container image, no network"})
	}
	return entries
}

type toolEntry struct {
	Gear        string
	Action      string
	Description string
}

func builtinReadFile(ctx context.Context, params json.RawMessage, caps sandbox.Capabilities) (sandbox.Result, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return sandbox.Result{}, fmt.Errorf("read_file: parse parameters: %w", err)
	}
	data, err := caps.ReadFile(args.Path)
	if err != nil {
		return sandbox.Result{}, err
	}
	out, err := json.Marshal(map[string]string{"content": string(data)})
	if err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{Output: out}, nil
}

func builtinWriteFile(ctx context.Context, params json.RawMessage, caps sandbox.Capabilities) (sandbox.Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return sandbox.Result{}, fmt.Errorf("write_file: parse parameters: %w", err)
	}
	if err := caps.WriteFile(args.Path, []byte(args.Content)); err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{Output: json.RawMessage(`{"written":true}`)}, nil
}

func builtinFetch(ctx context.Context, params json.RawMessage, caps sandbox.Capabilities) (sandbox.Result, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return sandbox.Result{}, fmt.Errorf("fetch: parse parameters: %w", err)
	}
	body, err := caps.Fetch(ctx, args.URL)
	if err != nil {
		return sandbox.Result{}, err
	}
	out, err := json.Marshal(map[string]string{"body": string(body)})
	if err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{Output: out}, nil
}
