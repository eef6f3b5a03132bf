package giftwrap

import (
	"encoding/base64"
	"errors"

	"relaydm/crypto/chacha20"
)

var errNotBase64 = errors.New("content is not base64")

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decryptB64(content string, key [32]byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, errNotBase64
	}
	return chacha20.Decrypt(ciphertext, key)
}
