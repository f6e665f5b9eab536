package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG" // 43 chars, decodes to 32 bytes with "=" padding

func encryptForTest(t *testing.T, key []byte, corpID, msg string) string {
	t.Helper()
	var buf []byte
	buf = append(buf, make([]byte, 16)...) // random prefix, unchecked by decryptCallback
	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, uint32(len(msg)))
	buf = append(buf, lenField...)
	buf = append(buf, []byte(msg)...)
	buf = append(buf, []byte(corpID)...)

	padded := pkcs7Pad(buf, aes.BlockSize)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := key[:aes.BlockSize]
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padding := blockSize - len(b)%blockSize
	if padding == 0 {
		padding = blockSize
	}
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(b, pad...)
}

func decodeTestKey(t *testing.T) []byte {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(testAESKey + "=")
	require.NoError(t, err)
	require.Len(t, key, 32)
	return key
}

func TestDecryptCallbackRoundTrip(t *testing.T) {
	key := decodeTestKey(t)
	ciphered := encryptForTest(t, key, "corpid123", "hello from wecom")

	plain, err := decryptCallback(testAESKey, ciphered)
	require.NoError(t, err)
	assert.Equal(t, "hello from wecom", string(plain))
}

func TestDecryptCallbackRejectsShortKey(t *testing.T) {
	_, err := decryptCallback("tooshort", "irrelevant")
	assert.Error(t, err)
}

func TestDecryptCallbackRejectsNonBlockAlignedCiphertext(t *testing.T) {
	bad := base64.StdEncoding.EncodeToString([]byte("not sixteen bytes aligned!"))
	_, err := decryptCallback(testAESKey, bad)
	assert.Error(t, err)
}

func TestDecryptCallbackRejectsDeclaredLengthExceedingBuffer(t *testing.T) {
	key := decodeTestKey(t)

	var buf []byte
	buf = append(buf, make([]byte, 16)...)
	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, 9999) // far larger than actual payload
	buf = append(buf, lenField...)
	buf = append(buf, []byte("short")...)
	padded := pkcs7Pad(buf, aes.BlockSize)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := key[:aes.BlockSize]
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	ciphered := base64.StdEncoding.EncodeToString(out)

	_, err = decryptCallback(testAESKey, ciphered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestVerifySignatureMatchesSortedConcat(t *testing.T) {
	token, timestamp, nonce, ciphered := "tok", "1234567890", "nonce1", "cipheredtext"
	parts := []string{token, timestamp, nonce, ciphered}
	sort.Strings(parts)
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "")))
	expected := fmt.Sprintf("%x", h.Sum(nil))

	assert.True(t, verifySignature(token, timestamp, nonce, ciphered, expected))
	assert.False(t, verifySignature(token, timestamp, nonce, ciphered, "wrongsignature"))
}
