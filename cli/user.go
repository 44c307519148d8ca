package cli

import (
	"context"
	"strings"
	"time"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// UserCommand manages testbed accounts.
type UserCommand struct {
	connectionOptions

	Action string `long:"action" required:"true" choice:"register" choice:"modify" choice:"delete" choice:"login" description:"what to do"`
	ID     string `long:"id" description:"target user id"`
	Name   string `long:"name"`
	Role   string `long:"role" description:"USER, USER_PRIV, NODE, NODE_PRIV or ADMIN"`
	Team   string `long:"team"`
	TTL    int64  `long:"ttl" description:"signed token lifetime in seconds (login)"`

	Logger core.Logger
}

func (c *UserCommand) Execute(_ []string) error {
	ctx := context.Background()
	client := c.client(c.Logger)

	switch c.Action {
	case "register":
		if c.ID == "" {
			return usagef("--id is required for register")
		}
		resp, err := client.RegisterUser(ctx, &core.User{
			ID:   c.ID,
			Name: c.Name,
			Role: core.Role(strings.ToUpper(c.Role)),
			Team: c.Team,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	case "modify":
		if c.ID == "" {
			return usagef("--id is required for modify")
		}
		req := &api.ModifyUserRequest{Name: c.Name, Team: c.Team}
		if c.Role != "" {
			req.Role = core.Role(strings.ToUpper(c.Role))
		}
		if err := client.ModifyUser(ctx, c.ID, req); err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	case "delete":
		if c.ID == "" {
			return usagef("--id is required for delete")
		}
		if err := client.DeleteUser(ctx, c.ID); err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	case "login":
		resp, err := client.Login(ctx, time.Duration(c.TTL)*time.Second)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}
	return usagef("unknown action %q", c.Action)
}
