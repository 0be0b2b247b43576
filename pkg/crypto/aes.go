package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptFailed      = errors.New("decrypt failed")
)

// DeriveKey 通过PBKDF2-HMAC-SHA256从主密钥和上下文派生256位对称密钥
func DeriveKey(masterKey, context string, salt []byte, iterations int) []byte {
	password := []byte(masterKey + ":" + context)
	return pbkdf2.Key(password, salt, iterations, keySize, sha256.New)
}

// EncryptToBase64 AES-256-GCM加密，输出 base64(salt || nonce || ciphertext)
func EncryptToBase64(plaintext []byte, masterKey, context string, iterations int) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := DeriveKey(masterKey, context, salt, iterations)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptFromBase64 解密EncryptToBase64的输出，完整性校验失败时绝不返回部分明文
func DecryptFromBase64(encoded, masterKey, context string, iterations int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(raw) < saltSize+nonceSize+1 {
		return nil, ErrCiphertextTooShort
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	key := DeriveKey(masterKey, context, salt, iterations)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SHA256 计算SHA256摘要
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
