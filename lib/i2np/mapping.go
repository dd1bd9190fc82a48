package i2np

import (
	"encoding/binary"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// encodeOptions serializes record options as an I2P Mapping.
func encodeOptions(opts map[string]string) ([]byte, error) {
	if len(opts) == 0 {
		return []byte{0, 0}, nil
	}
	mapping, err := data.GoMapToMapping(opts)
	if err != nil {
		return nil, oops.Errorf("failed to encode record options: %w", err)
	}
	return mapping.Data(), nil
}

// decodeOptions reads the Mapping at the start of b and returns it with the
// number of bytes consumed.
func decodeOptions(b []byte) (map[string]string, int, error) {
	if len(b) < 2 {
		return nil, 0, ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA
	}
	size := int(binary.BigEndian.Uint16(b[:2]))
	if size == 0 {
		return nil, 2, nil
	}
	if 2+size > len(b) {
		return nil, 0, oops.Errorf("options mapping of %d bytes overruns record", size)
	}
	mapping, _, errs := data.ReadMapping(b[:2+size])
	if len(errs) > 0 {
		return nil, 0, oops.Errorf("failed to parse record options: %v", errs)
	}
	out := make(map[string]string)
	for _, pair := range mapping.Values() {
		key, keyErr := pair[0].Data()
		value, valErr := pair[1].Data()
		if keyErr != nil || valErr != nil {
			log.WithFields(logger.Fields{
				"at":          "i2np.decodeOptions",
				"key_error":   keyErr,
				"value_error": valErr,
			}).Warn("skipping malformed option pair")
			continue
		}
		out[key] = value
	}
	return out, 2 + size, nil
}
