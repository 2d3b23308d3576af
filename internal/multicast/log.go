package multicast

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	debug = strings.Contains(os.Getenv("DEBUG_SHMCAST"), "multicast")

	log logrus.FieldLogger
)

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	logger := logrus.New()
	if debug {
		logger.Level = logrus.DebugLevel
		logger.Debug("shmcast: debug level enabled for multicast")
	}
	log = logger.WithField("logger", "shmcast/multicast")
}
