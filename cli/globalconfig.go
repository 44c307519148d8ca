package cli

import (
	"context"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// GlobalConfigCommand reads and writes the shared configuration document.
type GlobalConfigCommand struct {
	connectionOptions

	Action string `long:"action" required:"true" choice:"get" choice:"set" description:"what to do"`
	File   string `long:"file" description:"JSON document for set, - for stdin"`

	Logger core.Logger
}

func (c *GlobalConfigCommand) Execute(_ []string) error {
	ctx := context.Background()
	client := c.client(c.Logger)

	switch c.Action {
	case "get":
		cfg, err := client.GetConfig(ctx)
		if err != nil {
			return err
		}
		return printJSON(api.ConfigResponse{Code: api.CodeOK, Config: *cfg})
	case "set":
		if c.File == "" {
			return usagef("--file is required for set")
		}
		var doc map[string]interface{}
		if err := readJSONFile(c.File, &doc); err != nil {
			return err
		}
		if err := client.UpdateConfig(ctx, &core.GlobalConfig{Doc: doc}); err != nil {
			return err
		}
		return printJSON(api.StatusResponse{Code: api.CodeOK})
	}
	return usagef("unknown action %q", c.Action)
}
