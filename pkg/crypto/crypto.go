// Package crypto provides the hotkey identity and message signing used by
// subnet peers. A peer's hotkey is the hex address derived from its
// secp256k1 operator key; miners sign task-result payloads and validators
// verify the signature against the claimed hotkey.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LoadPrivateKeyFromHex loads a secp256k1 private key from a hex string.
func LoadPrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %v", err)
	}
	return key, nil
}

// GeneratePrivateKey generates a new secp256k1 private key.
func GeneratePrivateKey() (*ecdsa.PrivateKey, error) {
	return ethcrypto.GenerateKey()
}

// PrivateKeyToHex converts a private key to its hex form.
func PrivateKeyToHex(privateKey *ecdsa.PrivateKey) string {
	return hex.EncodeToString(ethcrypto.FromECDSA(privateKey))
}

// Hotkey derives the peer's public identity from its private key.
func Hotkey(privateKey *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(privateKey.PublicKey).Hex()
}

// SignData signs the keccak hash of data and returns the hex signature.
func SignData(privateKey *ecdsa.PrivateKey, data []byte) (string, error) {
	hash := ethcrypto.Keccak256(data)
	sig, err := ethcrypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign data: %v", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifySignature checks that signature over data recovers the given hotkey.
func VerifySignature(hotkey string, data []byte, signature string) (bool, error) {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %v", err)
	}
	if len(sigBytes) != 65 {
		return false, fmt.Errorf("invalid signature length: %d", len(sigBytes))
	}

	hash := ethcrypto.Keccak256(data)
	pub, err := ethcrypto.SigToPub(hash, sigBytes)
	if err != nil {
		return false, fmt.Errorf("failed to recover public key: %v", err)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub).Hex()
	return strings.EqualFold(recovered, hotkey), nil
}

// HashDataHex computes the keccak hash of data as a hex string.
func HashDataHex(data []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(data))
}
