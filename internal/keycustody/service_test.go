package keycustody

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	svc, err := NewService("test-master-key", "development", 100000)
	require.NoError(t, err)
	return svc
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	svc := newTestService(t)
	plaintext := []byte{0x01, 0x02, 0x03, 0xff}

	ciphertext, err := svc.Encrypt(plaintext, "wallet_uuid1_TRC20")
	require.NoError(t, err)

	decrypted, err := svc.Decrypt(ciphertext, "wallet_uuid1_TRC20")
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWithWrongContextFails(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt([]byte("private key"), "wallet_uuid1_TRC20")
	require.NoError(t, err)

	// 密文不可跨钱包移植
	_, err = svc.Decrypt(ciphertext, "wallet_uuid2_TRC20")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestProductionRequiresMasterKey(t *testing.T) {
	_, err := NewService("", "production", 100000)
	assert.ErrorIs(t, err, ErrMasterKeyMissing)
}

func TestDevelopmentGeneratesEphemeralKey(t *testing.T) {
	svc, err := NewService("", "development", 100000)
	require.NoError(t, err)

	ciphertext, err := svc.Encrypt([]byte("key"), "ctx")
	require.NoError(t, err)
	decrypted, err := svc.Decrypt(ciphertext, "ctx")
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), decrypted)
}

func TestRotateMasterKey(t *testing.T) {
	svc := newTestService(t)

	ciphertexts := make(map[string]string)
	contexts := map[string]string{
		"w1": "wallet_uuid1_TRC20",
		"w2": "wallet_uuid2_ERC20",
	}
	for id, ctx := range contexts {
		ct, err := svc.Encrypt([]byte("key-"+id), ctx)
		require.NoError(t, err)
		ciphertexts[id] = ct
	}
	// 一条坏密文，轮换应逐项记录失败而不中断
	ciphertexts["bad"] = "not-a-valid-ciphertext"
	contexts["bad"] = "wallet_bad_TRC20"

	result, err := svc.RotateMasterKey("new-master-key", ciphertexts, contexts)
	require.NoError(t, err)
	assert.Len(t, result.Reencrypted, 2)
	assert.Contains(t, result.Failed, "bad")

	// 轮换后服务持有新密钥，新密文可解
	for id := range result.Reencrypted {
		decrypted, err := svc.Decrypt(result.Reencrypted[id], contexts[id])
		require.NoError(t, err)
		assert.Equal(t, []byte("key-"+id), decrypted)
	}

	// 旧密文在新密钥下必须解不开
	_, err = svc.Decrypt(ciphertexts["w1"], contexts["w1"])
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestRotateMasterKeyConcurrentWithEncrypt(t *testing.T) {
	svc := newTestService(t)

	// 轮换与加解密并发执行不得竞争主密钥；跨越换钥瞬间的往返
	// 只允许以ErrDecryptionFailed告终，其余任何错误都是缺陷
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			context := fmt.Sprintf("wallet_uuid%d_TRC20", worker)
			for j := 0; j < 3; j++ {
				ct, err := svc.Encrypt([]byte("key"), context)
				if err != nil {
					t.Errorf("encrypt failed: %v", err)
					return
				}
				if _, err := svc.Decrypt(ct, context); err != nil && !errors.Is(err, ErrDecryptionFailed) {
					t.Errorf("unexpected decrypt error: %v", err)
					return
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			if _, err := svc.RotateMasterKey(fmt.Sprintf("rotated-key-%d", j), nil, nil); err != nil {
				t.Errorf("rotation failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// 尘埃落定后新密钥下往返正常
	ct, err := svc.Encrypt([]byte("key"), "ctx")
	require.NoError(t, err)
	decrypted, err := svc.Decrypt(ct, "ctx")
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), decrypted)
}

func TestRotateRequiresNewKey(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.RotateMasterKey("", nil, nil)
	assert.ErrorIs(t, err, ErrMasterKeyMissing)
}
