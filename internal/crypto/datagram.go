package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// sharedSecret is the fixed secret mixed into every session key derivation.
// It is hardcoded in the racing client; changing it breaks interoperability.
const sharedSecret = "RacingServerUDP2024!"

// FrameHeaderSize is the size of the little-endian length prefix on every
// encrypted datagram.
const FrameHeaderSize = 4

// SessionCipher encrypts and decrypts UDP datagrams for one session.
//
// The AES-256 key and the CBC IV are both derived from the session id:
// H = SHA-256(sessionID || sharedSecret), key = H[0:32], IV = H[16:32].
// The 16-byte overlap between key and IV, and the fact that the IV is fixed
// for the whole session, are deliberate: the client derives the same material
// and both sides must agree byte-for-byte. Do not "fix" the derivation.
type SessionCipher struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

// NewSessionCipher derives the per-session key/IV from sessionID and returns
// a ready cipher.
func NewSessionCipher(sessionID string) (*SessionCipher, error) {
	h := sha256.Sum256([]byte(sessionID + sharedSecret))

	block, err := aes.NewCipher(h[:32])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	sc := &SessionCipher{block: block}
	copy(sc.iv[:], h[16:32])
	return sc, nil
}

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding and returns
// the framed datagram: a 4-byte little-endian ciphertext length followed by
// the ciphertext.
func (sc *SessionCipher) Encrypt(plaintext []byte) []byte {
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, FrameHeaderSize+len(padded))
	binary.LittleEndian.PutUint32(out[:FrameHeaderSize], uint32(len(padded)))

	enc := cipher.NewCBCEncrypter(sc.block, sc.iv[:])
	enc.CryptBlocks(out[FrameHeaderSize:], padded)
	return out
}

// Decrypt reverses Encrypt. It fails on a length-prefix mismatch, ciphertext
// that is empty or not a whole number of blocks, or invalid padding.
// The returned plaintext is a fresh slice; frame is not modified.
func (sc *SessionCipher) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < FrameHeaderSize {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(frame))
	}

	declared := int(binary.LittleEndian.Uint32(frame[:FrameHeaderSize]))
	ciphertext := frame[FrameHeaderSize:]
	if declared != len(ciphertext) {
		return nil, fmt.Errorf("length prefix mismatch: declared %d, have %d", declared, len(ciphertext))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	dec := cipher.NewCBCDecrypter(sc.block, sc.iv[:])
	dec.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// IsFramed reports whether data looks like an encrypted datagram: at least a
// header, and the length prefix equal to the remaining byte count.
func IsFramed(data []byte) bool {
	if len(data) < FrameHeaderSize {
		return false
	}
	return int(binary.LittleEndian.Uint32(data[:FrameHeaderSize])) == len(data)-FrameHeaderSize
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	if !bytes.Equal(data[len(data)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("inconsistent padding")
	}
	return data[:len(data)-pad], nil
}
