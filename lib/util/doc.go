// Package util holds small filesystem and shutdown helpers shared by the
// node's packages.
package util

import "github.com/go-i2p/logger"

var log = logger.GetGoI2PLogger()
