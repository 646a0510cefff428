package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrTransportDecode is returned for payloads that are not valid transport ciphertext.
var ErrTransportDecode = errors.New("malformed encrypted payload")

// TransportDecoder decrypts fields the client encrypted with a shared AES key.
// Payload format: base64(iv[16] || AES-CBC ciphertext), PKCS#7 padded.
type TransportDecoder struct {
	block cipher.Block
}

// NewTransportDecoder accepts a 16, 24 or 32 byte key given as text.
func NewTransportDecoder(key string) (*TransportDecoder, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("invalid transport key: %w", err)
	}
	return &TransportDecoder{block: block}, nil
}

func (d *TransportDecoder) Decrypt(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrTransportDecode
	}
	bs := d.block.BlockSize()
	if len(raw) < 2*bs || len(raw)%bs != 0 {
		return "", ErrTransportDecode
	}

	iv, ciphertext := raw[:bs], raw[bs:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(plain, ciphertext)

	return unpad(plain, bs)
}

func unpad(b []byte, blockSize int) (string, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return "", ErrTransportDecode
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return "", ErrTransportDecode
	}
	return string(b[:len(b)-n]), nil
}
