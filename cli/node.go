package cli

import (
	"context"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// NodeCommand manages node records and node-side switches.
type NodeCommand struct {
	connectionOptions

	Action      string  `long:"action" required:"true" choice:"register" choice:"update" choice:"delete" choice:"list" choice:"heartbeat" choice:"scavenger" description:"what to do"`
	ID          string  `long:"id" description:"target node id"`
	DisplayName string  `long:"display-name"`
	Lat         float64 `long:"lat"`
	Lon         float64 `long:"lon"`
	Location    string  `long:"location"`
	Provider    string  `long:"provider"`
	PublicIP    string  `long:"public-ip"`
	Active      bool    `long:"active" description:"list only recently active nodes"`
	ActiveThres int64   `long:"active-thres" description:"activity threshold in seconds"`
	Set         string  `long:"set" choice:"on" choice:"off" description:"scavenger state to set; omit to read"`

	Logger core.Logger
}

func (c *NodeCommand) Execute(_ []string) error {
	ctx := context.Background()
	client := c.client(c.Logger)

	switch c.Action {
	case "register":
		if c.ID == "" {
			return usagef("--id is required for register")
		}
		resp, err := client.RegisterNode(ctx, &core.Node{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Lat:         c.Lat,
			Lon:         c.Lon,
			Location:    c.Location,
			Provider:    c.Provider,
			PublicIP:    c.PublicIP,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	case "update":
		if c.ID == "" {
			return usagef("--id is required for update")
		}
		err := client.UpdateNode(ctx, c.ID, &api.UpdateNodeRequest{
			DisplayName: c.DisplayName,
			Lat:         c.Lat,
			Lon:         c.Lon,
			Location:    c.Location,
			Provider:    c.Provider,
			PublicIP:    c.PublicIP,
		})
		if err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	case "delete":
		if c.ID == "" {
			return usagef("--id is required for delete")
		}
		if err := client.DeleteNode(ctx, c.ID); err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	case "list":
		nodes, err := client.GetNodes(ctx, api.NodesFilter{
			NodeID:          c.ID,
			Location:        c.Location,
			Active:          c.Active,
			ActiveThresSecs: c.ActiveThres,
		})
		if err != nil {
			return err
		}
		return printJSON(api.NodesResponse{Code: api.CodeOK, Nodes: nodes})
	case "heartbeat":
		if c.ID == "" {
			return usagef("--id is required for heartbeat")
		}
		received, err := client.Heartbeat(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(api.HeartbeatResponse{Code: api.CodeOK, Received: received})
	case "scavenger":
		if c.ID == "" {
			return usagef("--id is required for scavenger")
		}
		if c.Set != "" {
			if err := client.SetScavenger(ctx, c.ID, c.Set == "on"); err != nil {
				return err
			}
		}
		active, err := client.GetScavenger(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(api.ScavengerResponse{Code: api.CodeOK, Active: active})
	}
	return usagef("unknown action %q", c.Action)
}
