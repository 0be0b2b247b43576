package tron

import (
	"crypto/ecdsa"
	"encoding/hex"

	gwcrypto "usdt-gateway/pkg/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// pubkeyToHexAddress 私钥对应的41前缀十六进制地址
func pubkeyToHexAddress(priv *ecdsa.PrivateKey) string {
	pub := ethcrypto.FromECDSAPub(&priv.PublicKey)
	hash := ethcrypto.Keccak256(pub[1:])
	return "41" + hex.EncodeToString(hash[12:])
}

// PrivateKeyToAddress 私钥对应的base58地址
func PrivateKeyToAddress(privateKey []byte) (string, error) {
	priv, err := ethcrypto.ToECDSA(privateKey)
	if err != nil {
		return "", err
	}
	return HexToAddress(pubkeyToHexAddress(priv))
}

func sha256Sum(data []byte) []byte {
	return gwcrypto.SHA256(data)
}
