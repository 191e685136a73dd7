package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	AlgorithmAESGCM  = "AES-GCM"
	PBKDF2Iterations = 100000
	DefaultKeyBits   = 256

	saltSize = 16
	ivSize   = 12

	AlphanumericCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	ErrDecryption       = errors.New("decryption failed")
	ErrInvalidKeyLength = errors.New("invalid key length")
)

// EncryptedRecord carries everything needed to decrypt except the password.
type EncryptedRecord struct {
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	KeyLength  int    `json:"keyLength"`
}

func Encrypt(plaintext, password []byte) (*EncryptedRecord, error) {
	return EncryptWithKeyLength(plaintext, password, DefaultKeyBits)
}

func EncryptWithKeyLength(plaintext, password []byte, keyBits int) (*EncryptedRecord, error) {
	if !validKeyBits(keyBits) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, keyBits)
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	gcm, err := newGCM(password, salt, PBKDF2Iterations, keyBits)
	if err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, iv, plaintext, nil)
	return &EncryptedRecord{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Algorithm:  AlgorithmAESGCM,
		Iterations: PBKDF2Iterations,
		KeyLength:  keyBits,
	}, nil
}

// Decrypt returns ErrDecryption for any failure, including a wrong password
// and a tampered ciphertext or tag. Records must use PBKDF2Iterations; the
// count is not taken from untrusted input.
func Decrypt(record *EncryptedRecord, password []byte) ([]byte, error) {
	if record == nil || record.Algorithm != AlgorithmAESGCM || !validKeyBits(record.KeyLength) || record.Iterations != PBKDF2Iterations {
		return nil, ErrDecryption
	}
	ct, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}
	salt, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return nil, ErrDecryption
	}
	iv, err := base64.StdEncoding.DecodeString(record.IV)
	if err != nil || len(iv) != ivSize {
		return nil, ErrDecryption
	}
	gcm, err := newGCM(password, salt, PBKDF2Iterations, record.KeyLength)
	if err != nil {
		return nil, ErrDecryption
	}
	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

func newGCM(password, salt []byte, iterations, keyBits int) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, iterations, keyBits/8, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMAC returns the base64 HMAC-SHA256 of data under secret.
func HMAC(data, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyHMAC(data []byte, signature string, secret []byte) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(got, mac.Sum(nil))
}

func GenerateEncryptionKey(bits int) ([]byte, error) {
	if !validKeyBits(bits) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, bits)
	}
	return randomBytes(bits / 8)
}

// GenerateSecureRandom draws length characters uniformly from charset using
// crypto/rand. An empty charset means AlphanumericCharset.
func GenerateSecureRandom(length int, charset string) (string, error) {
	if length <= 0 {
		return "", nil
	}
	if charset == "" {
		charset = AlphanumericCharset
	}
	alphabet := []rune(charset)
	limit := big.NewInt(int64(len(alphabet)))
	out := make([]rune, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// SecureCompare runs in time that depends only on the input lengths.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func HashRefreshToken(token string) string {
	return Hash([]byte(token))
}

func validKeyBits(bits int) bool {
	return bits == 128 || bits == 192 || bits == 256
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
