package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
)

// RunCommand inspects run records and fetches their artifacts.
type RunCommand struct {
	connectionOptions

	Action string `long:"action" required:"true" choice:"list" choice:"get" choice:"download" description:"what to do"`
	ID     string `long:"id" description:"target run id"`
	JobID  string `long:"job" description:"filter by job id"`
	NodeID string `long:"node" description:"filter by node id"`
	Status string `long:"status" description:"filter by run status"`
	Output string `long:"output" description:"artifact destination path (download)"`

	S3Region   string `long:"s3-region" env:"LEOTEST_S3_REGION"`
	S3Endpoint string `long:"s3-endpoint" env:"LEOTEST_S3_ENDPOINT"`

	Logger core.Logger
}

func (c *RunCommand) Execute(_ []string) error {
	ctx := context.Background()
	client := c.client(c.Logger)

	switch c.Action {
	case "list":
		runs, err := client.GetRuns(ctx, api.RunsFilter{
			JobID:  c.JobID,
			NodeID: c.NodeID,
			Status: core.RunStatus(strings.ToUpper(c.Status)),
		})
		if err != nil {
			return err
		}
		return printJSON(api.RunsResponse{Code: api.CodeOK, Runs: runs})
	case "get":
		run, err := c.findRun(ctx, client)
		if err != nil {
			return err
		}
		return printJSON(api.RunResponse{Code: api.CodeOK, Run: *run})
	case "download":
		run, err := c.findRun(ctx, client)
		if err != nil {
			return err
		}
		if run.ArtifactURL == "" {
			return &api.Error{Code: api.CodeNotFound, Message: "run has no artifact"}
		}
		out := c.Output
		if out == "" {
			out = run.ID + ".tar.gz"
		}
		if err := c.fetchArtifact(ctx, run.ArtifactURL, out); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "saved", out)
		return nil
	}
	return usagef("unknown action %q", c.Action)
}

// findRun resolves --id through the runs listing; the coordinator only
// exposes filtered listings, not point lookups by run id.
func (c *RunCommand) findRun(ctx context.Context, client *api.Client) (*core.Run, error) {
	if c.ID == "" {
		return nil, usagef("--id is required")
	}
	runs, err := client.GetRuns(ctx, api.RunsFilter{JobID: c.JobID, NodeID: c.NodeID})
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == c.ID {
			return &runs[i], nil
		}
	}
	return nil, &api.Error{Code: api.CodeNotFound, Message: "run " + c.ID + " not found"}
}

// fetchArtifact resolves the recorded artifact URL. file:// URLs come
// from local-disk deployments, s3:// from bucket-backed ones.
func (c *RunCommand) fetchArtifact(ctx context.Context, rawURL, dest string) error {
	var rc io.ReadCloser
	switch {
	case strings.HasPrefix(rawURL, "file://"):
		f, err := os.Open(strings.TrimPrefix(rawURL, "file://"))
		if err != nil {
			return fmt.Errorf("open artifact: %w", err)
		}
		rc = f
	case strings.HasPrefix(rawURL, "s3://"):
		rest := strings.TrimPrefix(rawURL, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok {
			return fmt.Errorf("malformed artifact url %q", rawURL)
		}
		s3, err := blob.NewS3(bucket, c.S3Region, c.S3Endpoint)
		if err != nil {
			return err
		}
		rc, err = s3.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetch artifact: %w", err)
		}
	default:
		return fmt.Errorf("unsupported artifact url %q", rawURL)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
