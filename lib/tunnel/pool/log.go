package pool

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

func short(h common.Hash) string {
	return h.String()[:16]
}

func isZeroHash(h common.Hash) bool {
	return h == common.Hash{}
}
