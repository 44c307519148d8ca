package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	ini "gopkg.in/ini.v1"

	"github.com/leoscope/leotest/cli"
	"github.com/leoscope/leotest/core"
)

var version string
var build string

func buildLogger(level string) core.Logger {
	logrus.SetOutput(os.Stdout)
	logrus.SetReportCaller(true)
	forceColors := false
	if term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("TERM") != "dumb" && os.Getenv("NO_COLOR") == "" {
		forceColors = true
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		ForceColors:     forceColors,
		DisableQuote:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		CallerPrettyfier: func(frame *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		},
	})
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	return &core.LogrusAdapter{Logger: logrus.StandardLogger()}
}

func main() {
	// Pre-parse log-level flag to configure the logger early
	var pre struct {
		LogLevel   string `long:"log-level"`
		ConfigFile string `long:"config" default:"/etc/leotest/config.ini"`
	}
	args := os.Args[1:]
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	_, _ = preParser.ParseArgs(args)

	if pre.LogLevel == "" {
		cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, pre.ConfigFile)
		if err == nil {
			if sec, err := cfg.GetSection("global"); err == nil {
				pre.LogLevel = sec.Key("log-level").String()
			}
		}
	}

	logger := buildLogger(pre.LogLevel)

	parser := flags.NewNamedParser("leotest", flags.Default)
	parser.AddCommand(
		"coordinator",
		"coordinator daemon",
		"Runs the scheduling and metadata service.",
		&cli.CoordinatorCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)
	parser.AddCommand(
		"agent",
		"node agent daemon",
		"Runs the per-node scheduler loop and executor.",
		&cli.AgentCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)
	parser.AddCommand(
		"user",
		"manage accounts",
		"",
		&cli.UserCommand{Logger: logger},
	)
	parser.AddCommand(
		"node",
		"manage nodes",
		"",
		&cli.NodeCommand{Logger: logger},
	)
	parser.AddCommand(
		"job",
		"schedule and inspect jobs",
		"",
		&cli.JobCommand{Logger: logger},
	)
	parser.AddCommand(
		"run",
		"inspect runs and fetch artifacts",
		"",
		&cli.RunCommand{Logger: logger},
	)
	parser.AddCommand(
		"config",
		"read or write the global configuration",
		"",
		&cli.GlobalConfigCommand{Logger: logger},
	)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagErr, ok := err.(*flags.Error); ok {
			if flagErr.Type == flags.ErrHelp {
				return
			}
			parser.WriteHelp(os.Stdout)
			fmt.Printf("\nBuild information\n  commit: %s\n  date:%s\n", version, build)
			os.Exit(3)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
