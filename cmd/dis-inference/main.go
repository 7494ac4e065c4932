// Command dis-inference 对单张图片执行 ISNet 二分图像分割并保存 Mask
//
// Usage:
//
//	dis-inference assets/dog.jpg            # 输出 dog_dis.jpg
//	dis-inference -s -o mask.png photo.webp
//	dis-inference --cutout --device cpu photo.png
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/getcharzp/go-dis"
	"github.com/getcharzp/go-dis/isnet"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
)

var version = "0.1.0"

type Options struct {
	Silent  bool   `short:"s" long:"silent" description:"不打印保存信息与下载进度"`
	Verbose bool   `short:"v" long:"verbose" description:"打印调试日志"`
	Output  string `short:"o" long:"output" description:"输出文件名, 默认 <源文件名>_dis<扩展名>"`
	Cutout  bool   `long:"cutout" description:"额外保存以 Mask 为透明通道的抠图"`
	Device  string `long:"device" default:"auto" choice:"auto" choice:"cpu" choice:"cuda" description:"推理设备"`
	Threads int    `long:"threads" description:"ONNX 线程数, 0 表示由 CPU 核心数决定"`
	Model   string `long:"model" description:"ONNX 模型路径, 默认位于用户配置目录"`
	OrtLib  string `long:"ort-lib" description:"onnxruntime 动态库路径"`
	Retries uint64 `long:"retries" default:"4" description:"权重下载失败后的重试次数"`
	Version bool   `long:"version" description:"打印版本"`

	Args struct {
		Source string `positional-arg-name:"SOURCE" description:"输入图片"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "dis-inference"
	parser.Usage = "[OPTIONS] SOURCE"
	if _, err := parser.ParseArgs(args); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if opts.Version {
		fmt.Fprintf(stdout, "DIS-inference, version %s\n", version)
		return 0
	}
	if opts.Args.Source == "" {
		fmt.Fprintln(stderr, "缺少参数 SOURCE")
		parser.WriteHelp(stderr)
		return 2
	}

	logger := newLogger(stderr, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := infer(ctx, opts, logger, stdout); err != nil {
		kind := dis.KindOf(err)
		logger.WithField("kind", kind).Error(err)
		return kind.ExitCode()
	}
	return 0
}

func newLogger(w io.Writer, opts Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case opts.Verbose:
		logger.SetLevel(logrus.DebugLevel)
	case opts.Silent:
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

func infer(ctx context.Context, opts Options, logger *logrus.Logger, stdout io.Writer) error {
	device, err := dis.ParseDevice(opts.Device)
	if err != nil {
		return err
	}

	// 先读取输入, 路径错误时不必下载权重或加载运行库
	img, err := isnet.ReadImage(opts.Args.Source)
	if err != nil {
		return err
	}

	cfg := isnet.DefaultConfig()
	cfg.Device = device
	cfg.NumThreads = opts.Threads
	cfg.Logger = logger
	cfg.Download.Progress = !opts.Silent
	cfg.Download.MaxRetries = opts.Retries
	if opts.Model != "" {
		cfg.ModelPath = opts.Model
	}
	if opts.OrtLib != "" {
		cfg.OnnxRuntimeLibPath = opts.OrtLib
	}

	engine, err := isnet.Load(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Destroy()

	var reporter isnet.Reporter
	if !opts.Silent {
		reporter = isnet.ReporterFunc(func(path string) {
			fmt.Fprintf(stdout, "Output saved as `%s`\n", path)
		})
	}

	_, _, err = engine.InferImage(opts.Args.Source, img, isnet.InferOptions{
		Output:   opts.Output,
		Save:     true,
		Cutout:   opts.Cutout,
		Reporter: reporter,
	})
	return err
}
