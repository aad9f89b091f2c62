package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	aesKeyLen        = 32
	saltLen          = 16
	ivLen            = 16
)

// deriveKey accepts either a 64-hex-character pre-shared key (32 raw bytes
// used directly) or an arbitrary passphrase subject to PBKDF2-HMAC-SHA-512
// key derivation (spec §4.4).
func deriveKey(keyInput string, salt []byte) ([]byte, error) {
	if raw, ok := decodeHexKey(keyInput); ok {
		return raw, nil
	}
	if keyInput == "" {
		return nil, fmt.Errorf("%w: empty key", ErrDecryption)
	}
	return pbkdf2.Key([]byte(keyInput), salt, pbkdf2Iterations, aesKeyLen, sha512.New), nil
}

func decodeHexKey(keyInput string) ([]byte, bool) {
	if len(keyInput) != 64 {
		return nil, false
	}
	b, err := hex.DecodeString(keyInput)
	if err != nil || len(b) != aesKeyLen {
		return nil, false
	}
	return b, true
}

// Encrypt serializes value to canonical JSON and returns
// "salt_hex:iv_hex:ciphertext_hex" using AES-256-CBC under a key derived
// (or taken directly) from keyInput.
func Encrypt(value any, keyInput string) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("store: encode plaintext: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("store: generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("store: generate iv: %w", err)
	}

	key, err := deriveKey(keyInput, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("store: init cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(salt), hex.EncodeToString(iv), hex.EncodeToString(ciphertext)), nil
}

// Decrypt recognizes the triple-colon envelope and returns the decoded
// value; it falls back to parsing the input as plaintext JSON when no
// colon is present (spec §4.4). Any failure — missing key, malformed
// envelope, padding/MAC-equivalent failure, JSON parse failure — surfaces
// as ErrDecryption. There is no downgrade-to-plaintext on failure.
func Decrypt(blob string, keyInput string) (any, error) {
	if !strings.Contains(blob, ":") {
		var v any
		if err := json.Unmarshal([]byte(blob), &v); err != nil {
			return nil, fmt.Errorf("%w: not valid plaintext JSON: %v", ErrDecryption, err)
		}
		return v, nil
	}

	parts := strings.SplitN(blob, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryption)
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != saltLen {
		return nil, fmt.Errorf("%w: malformed salt", ErrDecryption)
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil || len(iv) != ivLen {
		return nil, fmt.Errorf("%w: malformed iv", ErrDecryption)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}

	key, err := deriveKey(keyInput, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrDecryption, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = pkcs7Unpad(plaintext, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var v any
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, fmt.Errorf("%w: wrong key or corrupted payload: %v", ErrDecryption, err)
	}
	return v, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
