package cli

import (
	"context"
	"time"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// JobCommand schedules and inspects experiment jobs. The job payload for
// schedule comes from a JSON file ("-" for stdin) so the full shape,
// validity window and trigger expression included, stays expressible.
type JobCommand struct {
	connectionOptions

	Action string `long:"action" required:"true" choice:"schedule" choice:"get" choice:"list" choice:"delete" choice:"reschedule" description:"what to do"`
	ID     string `long:"id" description:"target job id"`
	File   string `long:"file" description:"JSON job payload for schedule, - for stdin"`
	NodeID string `long:"node" description:"list jobs admitted to this node"`
	Owner  string `long:"owner" description:"list jobs owned by this user"`

	Logger core.Logger
}

func (c *JobCommand) Execute(_ []string) error {
	ctx := context.Background()
	client := c.client(c.Logger)

	switch c.Action {
	case "schedule":
		if c.File == "" {
			return usagef("--file is required for schedule")
		}
		var job core.Job
		if err := readJSONFile(c.File, &job); err != nil {
			return err
		}
		resp, err := client.ScheduleJob(ctx, &job)
		if err != nil {
			return err
		}
		return printJSON(resp)
	case "get":
		if c.ID == "" {
			return usagef("--id is required for get")
		}
		job, err := client.GetJob(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(api.JobResponse{Code: api.CodeOK, Job: *job})
	case "list":
		var jobs []core.Job
		var err error
		switch {
		case c.NodeID != "":
			jobs, err = client.JobsByNode(ctx, c.NodeID)
		case c.Owner != "":
			jobs, err = client.JobsByOwner(ctx, c.Owner)
		default:
			jobs, err = client.JobsByOwner(ctx, c.UserID)
		}
		if err != nil {
			return err
		}
		return printJSON(api.JobsResponse{Code: api.CodeOK, Jobs: jobs})
	case "delete":
		if c.ID == "" {
			return usagef("--id is required for delete")
		}
		if err := client.DeleteJob(ctx, c.ID); err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	case "reschedule":
		if c.ID == "" {
			return usagef("--id is required for reschedule")
		}
		resp, err := client.RescheduleJobNearest(ctx, c.ID, time.Now())
		if err != nil {
			return err
		}
		return printJSON(resp)
	}
	return usagef("unknown action %q", c.Action)
}
