package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

// dockerRunner drives Level 3: one-shot container execution, adapted
// from the long-lived agent-session container dispatcher this repo's
// dispatch package used to launch (ContainerCreate/Start/Attach, tmpfs
// mounts, stdcopy demuxing) into a single request/response call with no
// session bookkeeping.
type dockerRunner struct {
	cli *client.Client

	mu        sync.Mutex
	available bool
	checked   time.Time
}

func newDockerRunner() (*dockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		// Not fatal at startup: Level 1/2 gears still work without Docker.
		return &dockerRunner{cli: nil}, nil
	}
	return &dockerRunner{cli: cli}, nil
}

const availabilityCacheTTL = 30 * time.Second

// probeAvailable checks and caches whether the Docker daemon is reachable.
func (d *dockerRunner) probeAvailable(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cli == nil {
		return false
	}
	if time.Since(d.checked) < availabilityCacheTTL {
		return d.available
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := d.cli.Ping(pingCtx)
	d.available = err == nil
	d.checked = time.Now()
	return d.available
}

type level3Request struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

type level3Response struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
	Logs   []string        `json:"logs,omitempty"`
}

func (d *dockerRunner) execute(ctx context.Context, m Manifest, action string, params json.RawMessage) (Result, error) {
	if !d.probeAvailable(ctx) {
		return Result{}, corerr.New(corerr.GearSandbox, "gear %s requires level 3 but the container runtime is unavailable", m.Gear)
	}
	if m.Image == "" {
		return Result{}, corerr.New(corerr.GearSandbox, "gear %s has no level 3 image configured", m.Gear)
	}

	req, err := json.Marshal(level3Request{Action: action, Parameters: params})
	if err != nil {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("encoding request: %w", err))
	}

	name := deterministicContainerName(m.Gear, action)

	networkMode := "none"
	if m.Network {
		networkMode = ""
	}

	memBytes := int64(m.MaxMemoryMb) * 1024 * 1024
	nanoCPUs := int64(0)
	if m.MaxCpuPercent > 0 {
		nanoCPUs = int64(m.MaxCpuPercent) * 1e9 / 100
	}
	pidsLimit := m.PidsLimit

	containerConfig := &container.Config{
		Image:        m.Image,
		Cmd:          append(append([]string{}, m.Entrypoint...), action),
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
	}

	hostConfig := &container.HostConfig{
		ReadonlyRootfs: true,
		NetworkMode:    container.NetworkMode(networkMode),
		Tmpfs: map[string]string{
			"/tmp":     "rw,noexec,nosuid,size=64m",
			"/secrets": "rw,noexec,nosuid,size=4m",
		},
		Resources: container.Resources{
			Memory:    memBytes,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pidsLimit,
		},
		SecurityOpt: []string{"no-new-privileges"},
		AutoRemove:  true,
	}
	if m.Workspace != "" {
		hostConfig.Mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: m.Workspace, Target: "/workspace", ReadOnly: true},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Result{}, corerr.Wrap(corerr.GearSandbox, err, "creating container for gear %s", m.Gear)
	}

	attach, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_, _ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Result{}, corerr.Wrap(corerr.GearSandbox, err, "attaching to container for gear %s", m.Gear)
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, corerr.Wrap(corerr.GearSandbox, err, "starting container for gear %s", m.Gear)
	}

	if _, err := attach.Conn.Write(req); err != nil {
		_ = d.kill(resp.ID)
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("writing request to container: %w", err))
	}
	_ = attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		_ = d.kill(resp.ID)
		return Result{}, ctx.Err()
	case err := <-errCh:
		return Result{}, corerr.Wrap(corerr.GearSandbox, err, "waiting on container for gear %s", m.Gear)
	case status := <-statusCh:
		<-copyDone
		if status.StatusCode != 0 {
			return Result{}, corerr.New(corerr.GearSandbox, "gear %s action %s exited %d: %s", m.Gear, action, status.StatusCode, stderr.String())
		}
	}

	var out level3Response
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("malformed protocol response: %w", err))
	}
	if out.Error != "" {
		return Result{}, wrapSandboxErr(m.Gear, action, fmt.Errorf("%s", out.Error))
	}
	return Result{Output: out.Output, Logs: out.Logs}, nil
}

func (d *dockerRunner) kill(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// deterministicContainerName names a Level 3 container for forensics:
// gear, action, and a millisecond timestamp so concurrent invocations of
// the same action never collide.
func deterministicContainerName(gear, action string) string {
	return fmt.Sprintf("meridian-gear-%s-%s-%d", sanitizeName(gear), sanitizeName(action), time.Now().UnixMilli())
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
