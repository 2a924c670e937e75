package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures the process-wide logrus logger. Library packages
// log through logrus.WithField so embedders can swap formatters and levels.
func SetupLogging(debug bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "02 Jan 15:04:05",
		FullTimestamp:   true,
	})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
