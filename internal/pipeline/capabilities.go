package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/meridian/internal/corerr"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

// jobCapabilities is the per-job sandbox.Capabilities binding: every
// path is confined to the job's workspace directory, every sub-job is
// created as a real planmodel.Job in the store, and secrets are read
// from the process environment by name only — a plan's parameters never
// carry secret values, only secret names.
type jobCapabilities struct {
	job       *planmodel.Job
	workspace string
	store     *store.Store
	logger    *slog.Logger
	client    *http.Client
}

func newJobCapabilities(job *planmodel.Job, workspace string, s *store.Store, logger *slog.Logger) *jobCapabilities {
	return &jobCapabilities{job: job, workspace: workspace, store: s, logger: logger, client: &http.Client{}}
}

func (c *jobCapabilities) resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) {
		return "", corerr.New(corerr.Validation, "path %q must be relative to the job workspace", path)
	}
	joined := filepath.Join(c.workspace, clean)
	if !strings.HasPrefix(joined, filepath.Clean(c.workspace)+string(filepath.Separator)) && joined != filepath.Clean(c.workspace) {
		return "", corerr.New(corerr.Validation, "path %q escapes the job workspace", path)
	}
	return joined, nil
}

func (c *jobCapabilities) ReadFile(path string) ([]byte, error) {
	full, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (c *jobCapabilities) WriteFile(path string, data []byte) error {
	full, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (c *jobCapabilities) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

func (c *jobCapabilities) Log(msg string) {
	c.logger.Info("pipeline: gear log", "jobId", c.job.ID, "msg", msg)
}

func (c *jobCapabilities) Progress(pct float64, msg string) {
	c.logger.Info("pipeline: gear progress", "jobId", c.job.ID, "pct", pct, "msg", msg)
}

func (c *jobCapabilities) CreateSubJob(template map[string]any) (string, error) {
	sub := &planmodel.Job{
		ID:       planmodel.NewJobID(),
		Status:   planmodel.JobPending,
		Priority: c.job.Priority,
		Source:   planmodel.SourceSubJob,
		Metadata: template,
	}
	if err := c.store.CreateJob(context.Background(), sub); err != nil {
		return "", fmt.Errorf("pipeline: create sub-job: %w", err)
	}
	return sub.ID, nil
}

func (c *jobCapabilities) ExecuteHostCommand(name string, args []string) (string, error) {
	return "", corerr.New(corerr.GearSandbox, "host command execution is not permitted from Level 1 capabilities; use the shell gear")
}

func (c *jobCapabilities) Secret(ctx context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", corerr.New(corerr.SecretAccess, "secret %q is not set in the environment", name)
	}
	return val, nil
}
