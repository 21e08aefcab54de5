package util

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
)

const randomChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GetRandomString 生成指定长度的随机字符串
// length: 字符串长度
// 返回值: 随机字符串
func GetRandomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = randomChars[mathrand.Intn(len(randomChars))]
	}
	return string(b)
}

// GenerateSecret 生成高熵不透明密钥
// 使用 crypto/rand，失败时退化为伪随机
// byteLen: 随机字节数，输出为其十六进制编码
func GenerateSecret(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return GetRandomString(byteLen * 2)
	}
	return hex.EncodeToString(b)
}
