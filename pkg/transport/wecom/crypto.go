// WeCom has no first-party Go SDK; the callback-framing crypto here is
// hand-rolled against crypto/aes + crypto/sha1 per spec §6, in the same
// style 88lin-divinesense's dingtalk channel hand-rolls its own
// signature/decrypt helpers (plugin/chat_apps/channels/dingtalk/crypto.go)
// against a different cipher suite.
package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// verifySignature recomputes SHA1(sort(token, timestamp, nonce, ciphered))
// and compares it against sign (spec §6).
func verifySignature(token, timestamp, nonce, ciphered, sign string) bool {
	parts := []string{token, timestamp, nonce, ciphered}
	sort.Strings(parts)
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "")))
	computed := fmt.Sprintf("%x", h.Sum(nil))
	return computed == sign
}

// decryptCallback decrypts a base64 AES-256-CBC ciphertext using
// encodingAESKey (the base64-decoded key doubles as the IV's source: the
// IV is its first 16 bytes), then reads a big-endian uint32 message
// length at offset 16 of the decrypted buffer and returns exactly that
// many bytes of UTF-8 payload (spec §6).
func decryptCallback(encodingAESKey, ciphered string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decoding encoding_aes_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: encoding_aes_key must decode to 32 bytes, got %d", len(key))
	}

	data, err := base64.StdEncoding.DecodeString(ciphered)
	if err != nil {
		return nil, fmt.Errorf("wecom: decoding ciphertext: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("wecom: ciphertext is not a valid block-aligned payload (%d bytes)", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wecom: creating cipher: %w", err)
	}
	iv := key[:aes.BlockSize]
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(data))
	mode.CryptBlocks(plain, data)

	plain = pkcs7Unpad(plain)
	if len(plain) < 20 {
		return nil, fmt.Errorf("wecom: decrypted payload too short (%d bytes) to hold a length header", len(plain))
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	end := 20 + int(msgLen)
	if end > len(plain) {
		return nil, fmt.Errorf("wecom: declared message length %d exceeds decrypted buffer (%d bytes)", msgLen, len(plain)-20)
	}
	return plain[20:end], nil
}

func pkcs7Unpad(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	padding := int(b[len(b)-1])
	if padding < 1 || padding > len(b) {
		return b
	}
	return bytes.TrimSuffix(b, bytes.Repeat([]byte{byte(padding)}, padding))
}
