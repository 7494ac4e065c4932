// Package weights 负责定位用户配置目录并按需下载模型权重
package weights

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// EnvConfigDir 覆盖配置目录的环境变量
	EnvConfigDir = "DIS_CONFIG_DIR"
	// DefaultSubDir 配置目录下的子目录名
	DefaultSubDir = "DIS-inference"
)

// ConfigDir 返回 (并创建) 当前用户的配置目录
//
//	windows: ~/AppData/Roaming/<sub>
//	darwin:  ~/Library/Application Support/<sub>
//	linux:   ~/.config/<sub>
//
// 父目录不可写时回退到 <临时目录>/<sub>, 环境变量 DIS_CONFIG_DIR 优先
func ConfigDir(sub string) (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建配置目录失败: %w", err)
		}
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	dir, err := userConfigDir(runtime.GOOS, home, sub)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建配置目录失败: %w", err)
	}
	return dir, nil
}

// userConfigDir 按操作系统拼接配置目录, 不创建目录
func userConfigDir(goos, home, sub string) (string, error) {
	var dir string
	switch goos {
	case "windows":
		dir = filepath.Join(home, "AppData", "Roaming", sub)
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", sub)
	case "linux":
		dir = filepath.Join(home, ".config", sub)
	default:
		return "", fmt.Errorf("不支持的操作系统: %s", goos)
	}

	// 云函数等环境只有临时目录可写
	if home == "" || !isDirWriteable(filepath.Dir(dir)) {
		dir = filepath.Join(os.TempDir(), sub)
	}
	return dir, nil
}

// isDirWriteable 通过创建临时文件判断目录是否可写
func isDirWriteable(dir string) bool {
	f, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
