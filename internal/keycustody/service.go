package keycustody

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"usdt-gateway/pkg/crypto"
	"usdt-gateway/pkg/logger"
)

var (
	ErrMasterKeyMissing = errors.New("master key not configured")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Service 密钥托管服务接口
type Service interface {
	// Encrypt 加密私钥，context绑定钱包身份，密文不可跨钱包移植
	Encrypt(plaintext []byte, context string) (string, error)
	// Decrypt 解密私钥，完整性校验失败时返回错误，绝不返回被篡改的明文
	Decrypt(ciphertext string, context string) ([]byte, error)
	// RotateMasterKey 在新主密钥下批量重加密，逐项记录失败，不中断整批
	RotateMasterKey(newMasterKey string, ciphertexts map[string]string, contexts map[string]string) (*RotationResult, error)
}

// RotationResult 密钥轮换结果
type RotationResult struct {
	Reencrypted map[string]string `json:"reencrypted"`
	Failed      map[string]string `json:"failed"` // id -> 失败原因
}

type service struct {
	mu         sync.RWMutex
	masterKey  string
	iterations int
}

func (s *service) currentKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterKey
}

// NewService 创建密钥托管服务
// 生产环境主密钥必须由外部注入；非生产环境缺失时生成临时密钥并高调告警
func NewService(masterKey, env string, iterations int) (Service, error) {
	if masterKey == "" {
		if env == "production" {
			return nil, ErrMasterKeyMissing
		}
		generated := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, generated); err != nil {
			return nil, err
		}
		masterKey = hex.EncodeToString(generated)
		logger.Warnf("MASTER_KEY not set, generated ephemeral key for %s environment; encrypted keys will NOT survive restart", env)
	}
	if iterations < 100000 {
		iterations = 100000
	}
	return &service{masterKey: masterKey, iterations: iterations}, nil
}

// Encrypt 加密
func (s *service) Encrypt(plaintext []byte, context string) (string, error) {
	out, err := crypto.EncryptToBase64(plaintext, s.currentKey(), context, s.iterations)
	if err != nil {
		return "", ErrEncryptionFailed
	}
	return out, nil
}

// Decrypt 解密
func (s *service) Decrypt(ciphertext string, context string) ([]byte, error) {
	plain, err := crypto.DecryptFromBase64(ciphertext, s.currentKey(), context, s.iterations)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// RotateMasterKey 主密钥轮换
func (s *service) RotateMasterKey(newMasterKey string, ciphertexts map[string]string, contexts map[string]string) (*RotationResult, error) {
	if newMasterKey == "" {
		return nil, ErrMasterKeyMissing
	}

	result := &RotationResult{
		Reencrypted: make(map[string]string, len(ciphertexts)),
		Failed:      make(map[string]string),
	}

	oldKey := s.currentKey()
	for id, ct := range ciphertexts {
		context := contexts[id]
		plain, err := crypto.DecryptFromBase64(ct, oldKey, context, s.iterations)
		if err != nil {
			result.Failed[id] = "decrypt under current key failed"
			continue
		}
		reenc, err := crypto.EncryptToBase64(plain, newMasterKey, context, s.iterations)
		if err != nil {
			result.Failed[id] = "re-encrypt under new key failed"
			continue
		}
		result.Reencrypted[id] = reenc
	}

	logger.Infof("Master key rotation: %d re-encrypted, %d failed", len(result.Reencrypted), len(result.Failed))

	s.mu.Lock()
	s.masterKey = newMasterKey
	s.mu.Unlock()
	return result, nil
}
