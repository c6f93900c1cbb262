package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RandomToken は暗号的に安全な乱数からnバイトのトークンを生成し、16進文字列で返す。
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SignValue は値にHMAC-SHA256署名を付与し、"<value>.<signature>"形式で返す。
func SignValue(secret []byte, value string) string {
	return value + "." + signature(secret, value)
}

// VerifySignedValue は"<value>.<signature>"形式の文字列を検証し、元の値を返す。
// 形式不正または署名不一致の場合はfalseを返す。
func VerifySignedValue(secret []byte, signed string) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 || i == len(signed)-1 {
		return "", false
	}
	value, sig := signed[:i], signed[i+1:]
	if !hmac.Equal([]byte(sig), []byte(signature(secret, value))) {
		return "", false
	}
	return value, true
}

func signature(secret []byte, value string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
