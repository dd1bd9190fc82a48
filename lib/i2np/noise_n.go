package i2np

import (
	"crypto/sha256"
	"io"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Build records use the one-way Noise N pattern: the creator knows the hop's
// static key and sends a single message from a fresh ephemeral key.
const noiseProtocolName = "Noise_N_25519_ChaChaPoly_SHA256"

// handshakeState is the symmetric state after the single Noise N message.
type handshakeState struct {
	ck [32]byte
	h  [32]byte
}

func initialNoiseState(remoteStatic [32]byte) handshakeState {
	var s handshakeState
	copy(s.h[:], noiseProtocolName)
	s.ck = s.h
	s.mixHash(nil)
	s.mixHash(remoteStatic[:])
	return s
}

func (s *handshakeState) mixHash(data []byte) {
	d := sha256.New()
	d.Write(s.h[:])
	d.Write(data)
	copy(s.h[:], d.Sum(nil))
}

// mixKey runs HKDF over ck with ikm and returns the new cipher key.
func (s *handshakeState) mixKey(ikm []byte) ([32]byte, error) {
	var k [32]byte
	out, err := hkdf2(s.ck[:], ikm, nil)
	if err != nil {
		return k, err
	}
	copy(s.ck[:], out[:32])
	copy(k[:], out[32:])
	return k, nil
}

// hkdf2 returns 64 bytes of HKDF-SHA256 output.
func hkdf2(salt, ikm, info []byte) ([]byte, error) {
	out := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, oops.Errorf("hkdf failed: %w", err)
	}
	return out, nil
}

// generateX25519 returns a fresh key pair.
func generateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, oops.Errorf("failed to generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, oops.Errorf("failed to derive public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// PublicKeyFor returns the X25519 public key of priv.
func PublicKeyFor(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, oops.Errorf("failed to derive public key: %w", err)
	}
	copy(pub[:], p)
	return pub, nil
}

// GenerateStaticKey returns a new router encryption key pair.
func GenerateStaticKey() (priv, pub [32]byte, err error) {
	return generateX25519()
}

// noiseSeal encrypts payload to remoteStatic and returns the ephemeral
// public key, the ciphertext with MAC and the final handshake state.
func noiseSeal(remoteStatic [32]byte, payload []byte) ([32]byte, []byte, handshakeState, error) {
	s := initialNoiseState(remoteStatic)
	ePriv, ePub, err := generateX25519()
	if err != nil {
		return ePub, nil, s, err
	}
	s.mixHash(ePub[:])
	shared, err := curve25519.X25519(ePriv[:], remoteStatic[:])
	if err != nil {
		return ePub, nil, s, oops.Errorf("x25519 failed: %w", err)
	}
	k, err := s.mixKey(shared)
	if err != nil {
		return ePub, nil, s, err
	}
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return ePub, nil, s, oops.Errorf("failed to create AEAD: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], payload, s.h[:])
	s.mixHash(ct)
	return ePub, ct, s, nil
}

// noiseOpen reverses noiseSeal on the hop side.
func noiseOpen(localPriv, localPub, ephemeral [32]byte, ciphertext []byte) ([]byte, handshakeState, error) {
	s := initialNoiseState(localPub)
	s.mixHash(ephemeral[:])
	shared, err := curve25519.X25519(localPriv[:], ephemeral[:])
	if err != nil {
		return nil, s, oops.Errorf("x25519 failed: %w", err)
	}
	k, err := s.mixKey(shared)
	if err != nil {
		return nil, s, err
	}
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, s, oops.Errorf("failed to create AEAD: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, s.h[:])
	if err != nil {
		return nil, s, ERR_RECORD_DECRYPT
	}
	s.mixHash(ciphertext)
	return pt, s, nil
}
