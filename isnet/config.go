// Package isnet ISNet 二分图像分割 (Dichotomous Image Segmentation) 推理
package isnet

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/getcharzp/go-dis"
	"github.com/getcharzp/go-dis/weights"
	"github.com/sirupsen/logrus"
)

// 归一化常量, (x - Mean) / Std
const (
	Mean = 0.5
	Std  = 1.0
)

const (
	// InputSize 模型输入的边长, 任意尺寸的图片都会缩放到 InputSize x InputSize
	InputSize = 1024
)

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径

	// 可选参数
	ModelPath  string             // (可选) ONNX 模型路径, 为空时使用配置目录下的 isnet-general-use.onnx
	ModelURL   string             // (可选) 模型不存在时的下载地址
	Device     dis.Device         // (可选) 推理设备, 默认 auto
	NumThreads int                // (可选) ONNX 线程数, 默认由CPU核心数决定
	Logger     logrus.FieldLogger // (可选) 日志, 默认 logrus.StandardLogger()

	Download weights.Options // 权重下载参数
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: dis.DefaultLibraryPath(),
		ModelURL:           weights.ResolveURL(),
		Device:             dis.DeviceAuto,
		Download:           weights.DefaultOptions(),
	}
}

func (cfg Config) logger() logrus.FieldLogger {
	if cfg.Logger == nil {
		return logrus.StandardLogger()
	}
	return cfg.Logger
}

// resolveModelPath 模型路径为空时定位到用户配置目录
func (cfg Config) resolveModelPath() (string, error) {
	if cfg.ModelPath != "" {
		return cfg.ModelPath, nil
	}
	dir, err := weights.ConfigDir(weights.DefaultSubDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", dis.ErrInvalidWeights, err)
	}
	return filepath.Join(dir, weights.DefaultFileName), nil
}

// Tensor 行优先的 float32 张量
type Tensor struct {
	Shape []int
	Data  []float32
}

// Result 分割结果
type Result struct {
	Mask *image.Gray // 与原图同尺寸的 Mask, 0-255

	// 缩放到原图尺寸后的原始输出取值范围
	Min, Max float32
	// Degenerate 输出为常数 (Max == Min), 此时 Mask 全为 0
	Degenerate bool
}
