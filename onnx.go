package dis

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Device 推理设备
type Device string

const (
	DeviceAuto Device = "auto" // 优先 CUDA, 不可用时回退 CPU
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice 解析设备名称, 空字符串视为 auto
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	default:
		return "", fmt.Errorf("%w: 未知设备 %q", ErrInvalidArgument, s)
	}
}

type OnnxConfig struct {
	SessionOptions *ort.SessionOptions
	// ActiveDevice 实际绑定的设备 (DeviceCPU 或 DeviceCUDA)
	ActiveDevice Device

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	Device     Device             // (可选) 推理设备, 默认 auto
	NumThreads int                // (可选) ONNX 线程数, 默认由CPU核心数决定
	Logger     logrus.FieldLogger // (可选) 日志

	buildOptions func(device Device) (*ort.SessionOptions, Device, error)
}

var (
	initErr error
	once    sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
//
// 环境在进程内只初始化一次, 首次初始化的结果 (包括失败) 会保留到进程结束:
// 以错误的 OnnxRuntimeLibPath 调用失败后, 换用正确路径再次调用 New 仍返回同一错误,
// 需要在新进程中重试.
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("%w: OnnxRuntimeLibPath 不能为空", ErrInvalidArgument)
	}

	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("%w: 初始化 ONNX Runtime 环境失败: %w", ErrRuntime, initErr)
	}
	return cfg.applyOptions(cfg.Device)
}

func (cfg *OnnxConfig) logger() logrus.FieldLogger {
	if cfg.Logger == nil {
		return logrus.StandardLogger()
	}
	return cfg.Logger
}

// applyOptions 按 device 重建会话选项, 替换并释放旧选项
func (cfg *OnnxConfig) applyOptions(device Device) error {
	build := cfg.buildOptions
	if build == nil {
		build = cfg.newSessionOptions
	}
	options, active, err := build(device)
	if err != nil {
		return err
	}
	cfg.Destroy()
	cfg.SessionOptions = options
	cfg.ActiveDevice = active
	cfg.logger().WithField("device", active).Debug("ONNX 会话选项已就绪")
	return nil
}

// newSessionOptions 创建会话选项 (设置线程), 返回实际绑定的设备
func (cfg *OnnxConfig) newSessionOptions(device Device) (*ort.SessionOptions, Device, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("%w: 创建会话选项失败: %w", ErrRuntime, err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return nil, "", fmt.Errorf("%w: 设置线程数失败: %w", ErrRuntime, err)
		}
	}

	switch device {
	case DeviceCPU:
		return options, DeviceCPU, nil
	case DeviceCUDA:
		if err := appendCUDA(options); err != nil {
			options.Destroy()
			return nil, "", fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		return options, DeviceCUDA, nil
	default:
		if err := appendCUDA(options); err != nil {
			cfg.logger().WithError(err).Debug("CUDA 不可用, 使用 CPU 推理")
			return options, DeviceCPU, nil
		}
		return options, DeviceCUDA, nil
	}
}

// NewSession 以当前会话选项调用 create 创建会话
//
// auto 模式下若 CUDA 会话创建失败 (如 GPU 版运行库运行在无 GPU 的机器上),
// 改用纯 CPU 会话选项重试一次.
func NewSession[S any](cfg *OnnxConfig, create func(options *ort.SessionOptions) (S, error)) (S, error) {
	session, err := create(cfg.SessionOptions)
	if err == nil || cfg.ActiveDevice != DeviceCUDA || cfg.Device == DeviceCUDA || cfg.Device == DeviceCPU {
		return session, err
	}

	cfg.logger().WithError(err).Warn("CUDA 会话创建失败, 回退到 CPU")
	if ferr := cfg.applyOptions(DeviceCPU); ferr != nil {
		var zero S
		return zero, fmt.Errorf("%w (CPU 回退失败: %w)", err, ferr)
	}
	return create(cfg.SessionOptions)
}

// appendCUDA 启用 CUDA 执行提供者
func appendCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
	}
	defer cudaOptions.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
	}
	return nil
}

// Destroy 释放会话选项
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件, 环境变量 ONNXRUNTIME_LIB 优先
func DefaultLibraryPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}

	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	// linux darwin ext
	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// 拼接完整路径: ./lib/onnxruntime + _ + amd64/arm64 + . + so/dylib
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
