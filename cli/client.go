package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/core"
)

// connectionOptions are shared by every client command.
type connectionOptions struct {
	Server string `long:"server" env:"LEOTEST_SERVER_URL" default:"http://127.0.0.1:8080" description:"coordinator base URL"`
	UserID string `long:"user" env:"LEOTEST_USER" description:"caller id"`
	Token  string `long:"token" env:"LEOTEST_TOKEN" description:"static access token"`
	JWT    string `long:"jwt" env:"LEOTEST_JWT" description:"signed token, replaces the static token"`
}

func (o *connectionOptions) client(logger core.Logger) *api.Client {
	opts := []api.ClientOption{api.WithLogger(logger)}
	if o.JWT != "" {
		opts = append(opts, api.WithJWT(o.JWT))
	}
	return api.NewClient(o.Server, o.UserID, o.Token, opts...)
}

// usageError marks a locally detected bad invocation.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps a command error to the process exit code: 0 success,
// 1 domain error, 2 transport failure, 3 bad input.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) {
		return 3
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case api.CodeUnavailable:
			return 2
		case api.CodeInvalid:
			return 3
		default:
			return 1
		}
	}
	return 1
}

// printJSON writes the command result to stdout, one indented document.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONFile decodes a JSON payload from path, or stdin for "-".
func readJSONFile(path string, v interface{}) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = os.ReadFile("/dev/stdin")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return usagef("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return usagef("decode %s: %v", path, err)
	}
	return nil
}
