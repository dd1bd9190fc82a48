package i2np

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// RecordGeneration is the build record format of a message.
type RecordGeneration int

const (
	// GenerationLong carries the layer and reply keys inside 528-byte records.
	GenerationLong RecordGeneration = iota
	// GenerationShort derives keys from the handshake and uses 218-byte records.
	GenerationShort
)

func (g RecordGeneration) String() string {
	if g == GenerationShort {
		return "short"
	}
	return "long"
}

// RecordSize is the encrypted record size.
func (g RecordGeneration) RecordSize() int {
	if g == GenerationShort {
		return ShortBuildRecordSize
	}
	return StandardBuildRecordSize
}

func (g RecordGeneration) cleartextLen() int {
	if g == GenerationShort {
		return ShortBuildRecordCleartextLen
	}
	return StandardBuildRecordCleartextLen
}

func (g RecordGeneration) replyCleartextLen() int {
	if g == GenerationShort {
		return ShortReplyCleartextLen
	}
	return StandardReplyCleartextLen
}

// Key derivation labels for short records.
const (
	labelReplyKey = "SMTunnelReplyKey"
	labelLayerKey = "SMTunnelLayerKey"
	labelIVKey    = "TunnelLayerIVKey"
)

// ReplyKeys is what a hop learns from decrypting its record besides the
// request itself.
type ReplyKeys struct {
	// AEADKey and AD seal the hop's reply record.
	AEADKey session_key.SessionKey
	AD      [32]byte
	// SlotKey and SlotIV wrap every other record as the message passes the hop.
	SlotKey session_key.SessionKey
	SlotIV  [16]byte
	// LayerKey and IVKey are the tunnel data layer keys. For long records they
	// repeat the keys carried in the record.
	LayerKey session_key.SessionKey
	IVKey    session_key.SessionKey
}

// EncryptRecord seals rec for the hop whose static key is peerKey and returns
// the wire record with the keys the hop will derive.
func EncryptRecord(gen RecordGeneration, rec *BuildRequestRecord, peer common.Hash, peerKey [32]byte) ([]byte, ReplyKeys, error) {
	var keys ReplyKeys
	var clear []byte
	var err error
	if gen == GenerationShort {
		clear, err = rec.MarshalShort()
	} else {
		clear, err = rec.MarshalLong()
	}
	if err != nil {
		return nil, keys, err
	}

	ePub, ct, state, err := noiseSeal(peerKey, clear)
	if err != nil {
		return nil, keys, err
	}
	keys, err = replyKeysFrom(gen, state, rec)
	if err != nil {
		return nil, keys, err
	}

	out := make([]byte, 0, gen.RecordSize())
	out = append(out, peer[:TruncatedHashLen]...)
	out = append(out, ePub[:]...)
	out = append(out, ct...)
	if len(out) != gen.RecordSize() {
		return nil, keys, oops.Errorf("encrypted %s record is %d bytes", gen, len(out))
	}
	return out, keys, nil
}

// DecryptRecord opens a record addressed to us.
func DecryptRecord(gen RecordGeneration, enc []byte, localPriv, localPub [32]byte) (*BuildRequestRecord, ReplyKeys, error) {
	var keys ReplyKeys
	if len(enc) != gen.RecordSize() {
		return nil, keys, ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA
	}
	var ephemeral [32]byte
	copy(ephemeral[:], enc[TruncatedHashLen:TruncatedHashLen+EphemeralKeyLen])
	clear, state, err := noiseOpen(localPriv, localPub, ephemeral, enc[TruncatedHashLen+EphemeralKeyLen:])
	if err != nil {
		return nil, keys, err
	}

	var rec *BuildRequestRecord
	if gen == GenerationShort {
		rec, err = ParseShortRecord(clear)
	} else {
		rec, err = ParseLongRecord(clear)
	}
	if err != nil {
		return nil, keys, err
	}
	keys, err = replyKeysFrom(gen, state, rec)
	return rec, keys, err
}

func replyKeysFrom(gen RecordGeneration, state handshakeState, rec *BuildRequestRecord) (ReplyKeys, error) {
	keys := ReplyKeys{AD: state.h}
	if gen == GenerationLong {
		keys.AEADKey = session_key.SessionKey(state.ck)
		keys.SlotKey = rec.ReplyKey
		keys.SlotIV = rec.ReplyIV
		keys.LayerKey = rec.LayerKey
		keys.IVKey = rec.IVKey
		return keys, nil
	}

	out, err := hkdf2(state.ck[:], nil, []byte(labelReplyKey))
	if err != nil {
		return keys, err
	}
	copy(keys.AEADKey[:], out[32:])
	ck := out[:32]
	if out, err = hkdf2(ck, nil, []byte(labelLayerKey)); err != nil {
		return keys, err
	}
	copy(keys.LayerKey[:], out[32:])
	ck = out[:32]
	if out, err = hkdf2(ck, nil, []byte(labelIVKey)); err != nil {
		return keys, err
	}
	copy(keys.IVKey[:], out[32:])
	keys.SlotKey = keys.AEADKey
	return keys, nil
}

// SealReply builds the reply a hop writes into its own slot.
func SealReply(gen RecordGeneration, keys ReplyKeys, slot int, status tunnel.BuildStatus, opts map[string]string) ([]byte, error) {
	plain := make([]byte, gen.replyCleartextLen())
	enc, err := encodeOptions(opts)
	if err != nil {
		return nil, err
	}
	if len(enc) >= len(plain) {
		return nil, oops.Errorf("reply options too large: %d bytes", len(enc))
	}
	copy(plain, enc)
	if _, err := rand.Read(plain[len(enc) : len(plain)-1]); err != nil {
		return nil, oops.Errorf("failed to pad reply: %w", err)
	}
	plain[len(plain)-1] = status.Byte()

	aead, err := chacha20poly1305.New(keys.AEADKey[:])
	if err != nil {
		return nil, oops.Errorf("failed to create AEAD: %w", err)
	}
	return aead.Seal(nil, replyNonce(gen, slot), plain, keys.AD[:]), nil
}

// OpenReply verifies a reply record and returns the hop's status.
func OpenReply(gen RecordGeneration, aeadKey session_key.SessionKey, ad [32]byte, slot int, rec []byte) (tunnel.BuildStatus, map[string]string, error) {
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return tunnel.BuildReplyCodeDecodeFailure, nil, oops.Errorf("failed to create AEAD: %w", err)
	}
	plain, err := aead.Open(nil, replyNonce(gen, slot), rec, ad[:])
	if err != nil {
		return tunnel.BuildReplyCodeDecodeFailure, nil, ERR_REPLY_INTEGRITY
	}
	status := tunnel.BuildStatus(plain[len(plain)-1])
	opts, _, err := decodeOptions(plain[:len(plain)-1])
	if err != nil {
		// The status byte is authenticated; unreadable options do not change it.
		opts = nil
	}
	return status, opts, nil
}

// Long replies are sealed with nonce zero; short replies use the slot index.
func replyNonce(gen RecordGeneration, slot int) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if gen == GenerationShort {
		binary.LittleEndian.PutUint64(nonce[4:], uint64(slot))
	}
	return nonce
}

// encryptSlot adds one hop's layer to a record slot.
func encryptSlot(gen RecordGeneration, rec []byte, key session_key.SessionKey, iv [16]byte, slot int) error {
	if gen == GenerationShort {
		return chachaSlot(rec, key, slot)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return oops.Errorf("failed to create AES cipher: %w", err)
	}
	if len(rec)%aes.BlockSize != 0 {
		return oops.Errorf("record length must be a multiple of block size")
	}
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(rec, rec)
	return nil
}

// decryptSlot removes one hop's layer from a record slot.
func decryptSlot(gen RecordGeneration, rec []byte, key session_key.SessionKey, iv [16]byte, slot int) error {
	if gen == GenerationShort {
		return chachaSlot(rec, key, slot)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return oops.Errorf("failed to create AES cipher: %w", err)
	}
	if len(rec)%aes.BlockSize != 0 {
		return oops.Errorf("record length must be a multiple of block size")
	}
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(rec, rec)
	return nil
}

// chachaSlot XORs the ChaCha20 keystream for slot over rec. It is its own inverse.
func chachaSlot(rec []byte, key session_key.SessionKey, slot int) error {
	var nonce [chacha20.NonceSize]byte
	nonce[4] = byte(slot)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return oops.Errorf("failed to create chacha20 cipher: %w", err)
	}
	c.XORKeyStream(rec, rec)
	return nil
}
