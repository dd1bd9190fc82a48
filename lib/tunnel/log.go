package tunnel

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// truncateHash returns the first 16 characters of a peer hash for log output.
func truncateHash(h common.Hash) string {
	s := h.String()
	if len(s) < 16 {
		return s
	}
	return s[:16]
}
