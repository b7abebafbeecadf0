// Package crypto шифрует OAuth-токены перед сохранением в БД.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort возвращается, если шифротекст короче nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor шифрует и расшифровывает строки.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESEncryptor реализует Encryptor на AES-256-GCM.
// Формат шифротекста: base64(nonce || ciphertext || tag).
type AESEncryptor struct {
	gcm cipher.AEAD
}

// NewAESEncryptor создаёт шифратор. Ключ длиной не 32 байта приводится к 32 байтам через SHA-256.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key is empty")
	}
	if len(key) != 32 {
		sum := sha256.Sum256(key)
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &AESEncryptor{gcm: gcm}, nil
}

// Encrypt шифрует plaintext со случайным nonce. Пустая строка остаётся пустой.
func (e *AESEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает результат Encrypt и проверяет его целостность.
func (e *AESEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	n := e.gcm.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextTooShort
	}

	plain, err := e.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
