// Package cryptoutil はDEKの生成とデータの暗号化/復号を提供する。
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"secure-storage-service/internal/domain"
)

// KeySize はAES-256の鍵長（バイト）。
const KeySize = 32

var errInvalidPadding = errors.New("invalid padding")

// GenerateDEK はランダムなAES-256鍵を生成する。
func GenerateDEK() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// Encrypt は指定アルゴリズムで平文を暗号化する。
// GCM: nonce || ciphertext || tag、CBC: iv || ciphertext（PKCS7パディング）。
func Encrypt(alg domain.Algorithm, key, plaintext []byte) ([]byte, error) {
	return EncryptWithAAD(alg, key, plaintext, nil)
}

// EncryptWithAAD は追加認証データ付きで暗号化する。AADはGCMでのみ使われ、
// CBCの暗号文は改ざんを検出できない。
func EncryptWithAAD(alg domain.Algorithm, key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	switch alg {
	case domain.AlgorithmAES256GCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
		return gcm.Seal(nonce, nonce, plaintext, aad), nil

	case domain.AlgorithmAES256CBC:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		out := make([]byte, aes.BlockSize+len(padded))
		iv := out[:aes.BlockSize]
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("generating IV: %w", err)
		}
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, alg)
	}
}

// Decrypt は Encrypt で生成した暗号文を復号する。
func Decrypt(alg domain.Algorithm, key, ciphertext []byte) ([]byte, error) {
	return DecryptWithAAD(alg, key, ciphertext, nil)
}

// DecryptWithAAD は追加認証データ付きで復号する。
func DecryptWithAAD(alg domain.Algorithm, key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	switch alg {
	case domain.AlgorithmAES256GCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		if len(ciphertext) < gcm.NonceSize()+gcm.Overhead() {
			return nil, errors.New("ciphertext too short")
		}
		return openGCM(gcm, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], aad)

	case domain.AlgorithmAES256CBC:
		if len(ciphertext) < 2*aes.BlockSize {
			return nil, errors.New("ciphertext too short")
		}
		return decryptCBC(block, ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:])

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, alg)
	}
}

// OpenGCM は nonce を別に持つAES-GCMの暗号文（ciphertext || tag）を復号する。
func OpenGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return openGCM(gcm, nonce, ciphertext, nil)
}

// DecryptCBC は IV を別に持つAES-CBC/PKCS7の暗号文を復号する。
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return decryptCBC(block, iv, ciphertext)
}

func openGCM(gcm cipher.AEAD, nonce, ciphertext, aad []byte) ([]byte, error) {
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func decryptCBC(block cipher.Block, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

// Zeroize は鍵素材をメモリ上から消去する。
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
