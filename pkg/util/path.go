package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsExist 判断路径是否存在
func IsExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil || os.IsExist(err)
}

// UniqueDestName 为下载目标生成不冲突的文件名
// 存在同名文件时追加 " (n)"，n 取使名字唯一的最小正整数
func UniqueDestName(destDir, name string) string {
	candidate := filepath.Join(destDir, name)
	if !IsExist(candidate) {
		return candidate
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(destDir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if !IsExist(candidate) {
			return candidate
		}
	}
}
