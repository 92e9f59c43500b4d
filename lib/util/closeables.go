package util

import (
	"io"
	"sync"
)

var (
	closeOnExit []io.Closer
	closeMutex  sync.Mutex
)

// RegisterCloser adds c to the resources closed by CloseAll.
func RegisterCloser(c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, c)
	log.WithField("count", len(closeOnExit)).Debug("registered closer")
}

// CloseAll closes every registered closer, newest first, and clears the
// list. A failing closer is logged and does not stop the rest.
func CloseAll() {
	closeMutex.Lock()
	closers := closeOnExit
	closeOnExit = nil
	closeMutex.Unlock()

	log.WithField("count", len(closers)).Debug("closing registered closers")
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.WithError(err).WithField("at", "CloseAll").Warn("error closing resource")
		}
	}
}
