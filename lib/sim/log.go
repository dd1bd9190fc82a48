package sim

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

func short(h common.Hash) string {
	return h.String()[:16]
}
