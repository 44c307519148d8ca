package cli

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// ApplyLogLevel sets the process-wide logrus level. Unknown names are
// ignored so a bad flag never silences the daemon.
func ApplyLogLevel(level string) {
	if level == "" {
		return
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logrus.SetLevel(lvl)
	}
}
