package isnet

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/getcharzp/go-dis"
	"github.com/getcharzp/go-dis/weights"
	"github.com/sirupsen/logrus"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
)

// forwardFunc 前向推理
type forwardFunc func(input *Tensor) (*Tensor, error)

// Engine 持有 ONNX Session
//
// Predict 通过互斥锁串行执行, 可在多个 goroutine 间共享
type Engine struct {
	mu sync.Mutex

	session  *ort.DynamicAdvancedSession
	onnx     *dis.OnnxConfig
	forward  forwardFunc
	channels int // 模型声明的输入通道数, 0 表示动态

	config Config
	logger logrus.FieldLogger
}

// Load 确保权重存在 (必要时下载) 并初始化引擎
func Load(ctx context.Context, cfg Config) (*Engine, error) {
	modelPath, err := cfg.resolveModelPath()
	if err != nil {
		return nil, err
	}
	cfg.ModelPath = modelPath
	if cfg.ModelURL == "" {
		cfg.ModelURL = weights.ResolveURL()
	}

	opts := cfg.Download
	if opts.Logger == nil {
		opts.Logger = cfg.logger()
	}
	downloaded, err := weights.Ensure(ctx, cfg.ModelPath, cfg.ModelURL, opts)
	if err != nil {
		return nil, err
	}
	if downloaded {
		cfg.logger().WithField("path", cfg.ModelPath).Info("已下载模型权重")
	}
	return NewEngine(cfg)
}

// NewEngine 初始化 ISNet 引擎, cfg.ModelPath 必须指向已存在的 ONNX 模型
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.logger()

	onnxConfig := new(dis.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, onnxConfig); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	onnxConfig.Logger = logger
	// 初始化 ONNX
	if err := onnxConfig.New(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		onnxConfig.Destroy()
		return nil, fmt.Errorf("%w: 读取模型信息失败: %w", dis.ErrInvalidWeights, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		onnxConfig.Destroy()
		return nil, fmt.Errorf("%w: 模型缺少输入或输出", dis.ErrInvalidWeights)
	}

	// 输入 [1, 3, 1024, 1024], 输出取第一个 (d1) [1, 1, 1024, 1024]
	session, err := dis.NewSession(onnxConfig, func(options *ort.SessionOptions) (*ort.DynamicAdvancedSession, error) {
		return ort.NewDynamicAdvancedSession(cfg.ModelPath,
			[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	})
	if err != nil {
		onnxConfig.Destroy()
		return nil, fmt.Errorf("%w: 创建 ONNX 会话失败: %w", dis.ErrInvalidWeights, err)
	}

	e := &Engine{
		session: session,
		onnx:    onnxConfig,
		config:  cfg,
		logger:  logger,
	}
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[1] > 0 {
		e.channels = int(dims[1])
	}
	e.forward = e.run

	logger.WithFields(logrus.Fields{
		"model":  cfg.ModelPath,
		"input":  inputs[0].Name,
		"output": outputs[0].Name,
		"device": onnxConfig.ActiveDevice,
	}).Debug("ISNet 引擎已就绪")
	return e, nil
}

// Device 实际使用的推理设备
func (e *Engine) Device() dis.Device {
	if e.onnx == nil {
		return dis.DeviceCPU
	}
	return e.onnx.ActiveDevice
}

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁 ONNX 会话失败: %w", err)
		}
		e.session = nil
	}
	if e.onnx != nil {
		e.onnx.Destroy()
		e.onnx = nil
	}
	return nil
}

// Predict 对图片执行分割, 返回与原图同尺寸的 Mask
func (e *Engine) Predict(img image.Image) (*Result, error) {
	return e.PredictBuffer(FromImage(img))
}

// PredictBuffer 对 (H, W, C) 缓冲区执行分割
func (e *Engine) PredictBuffer(buf Buffer) (*Result, error) {
	// 预处理
	input, err := Preprocess(buf)
	if err != nil {
		return nil, fmt.Errorf("预处理失败: %w", err)
	}
	if e.channels > 0 && input.Shape[1] != e.channels {
		return nil, fmt.Errorf("%w: 模型需要 %d 通道, 输入为 %d 通道", dis.ErrInvalidInputShape, e.channels, input.Shape[1])
	}

	// 推理
	e.mu.Lock()
	out, err := e.forward(input)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// 后处理
	res, err := Postprocess(out, buf.Height(), buf.Width())
	if err != nil {
		return nil, fmt.Errorf("后处理失败: %w", err)
	}
	if res.Degenerate {
		e.logger.WithField("value", res.Min).Warn("模型输出为常数, 返回全 0 Mask")
	}
	return res, nil
}

// run 执行 ONNX 推理, 调用方需持有 e.mu
func (e *Engine) run(input *Tensor) (*Tensor, error) {
	if e.session == nil {
		return nil, fmt.Errorf("%w: 引擎已销毁", dis.ErrRuntime)
	}

	// 创建 Input Tensor
	inputTensor, err := ort.NewTensor(ort.NewShape(toInt64(input.Shape)...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: 创建 Input Tensor 失败: %w", dis.ErrRuntime, err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := e.session.Run([]ort.ArbitraryTensor{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("%w: 推理失败: %w", dis.ErrRuntime, err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: 输出类型不是 float32", dis.ErrInvalidOutputShape)
	}
	shape := t.GetShape()
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())

	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return &Tensor{Shape: dims, Data: data}, nil
}

func toInt64(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}
