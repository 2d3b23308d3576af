package shmcast

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"gosuda.org/shmcast/internal/multicast"
	"gosuda.org/shmcast/internal/ring"
	"gosuda.org/shmcast/internal/shm"
)

var (
	debug = strings.Contains(os.Getenv("DEBUG_SHMCAST"), "link")

	log logrus.FieldLogger
)

// SetLogger sets the logger of shmcast and of every transport below it.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
	shm.SetLogger(logger)
	ring.SetLogger(logger)
	multicast.SetLogger(logger)
}

func init() {
	logger := logrus.New()
	if debug {
		logger.Level = logrus.DebugLevel
		logger.Debug("shmcast: debug level enabled for link")
	}
	log = logger.WithField("logger", "shmcast")
}
