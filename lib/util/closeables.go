package util

import (
	"io"
	"sync"

	"github.com/go-i2p/logger"
)

var (
	closeOnExit []io.Closer
	closeMutex  sync.Mutex
)

// RegisterCloser adds c to the resources CloseAll releases.
func RegisterCloser(c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, c)
}

// CloseAll closes every registered resource, newest first, and forgets
// them. Close errors are logged.
func CloseAll() {
	closeMutex.Lock()
	list := closeOnExit
	closeOnExit = nil
	closeMutex.Unlock()

	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "util.CloseAll",
				"index": i,
			}).WithError(err).Warn("error closing resource")
		}
	}
	log.WithField("count", len(list)).Debug("closed registered resources")
}
