package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getcharzp/go-dis"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

const (
	// EnvModelURL 覆盖权重下载地址的环境变量
	EnvModelURL = "DIS_MODEL_URL"
	// DefaultFileName 权重文件名
	DefaultFileName = "isnet-general-use.onnx"
	// DefaultURL ISNet general-use 权重的 ONNX 导出
	DefaultURL = "https://github.com/dh031200/DIS-inference/releases/download/weights/isnet-general-use.onnx"
)

// Options 下载参数
type Options struct {
	Client *http.Client

	MaxRetries      uint64        // 失败后的重试次数 (默认 4)
	InitialInterval time.Duration // 首次重试间隔 (默认 1s)
	MaxInterval     time.Duration // 最大重试间隔 (默认 30s)

	Progress bool // 是否在 stderr 显示进度条
	Logger   logrus.FieldLogger
}

// DefaultOptions 默认下载参数
func DefaultOptions() Options {
	return Options{
		Client:          &http.Client{Timeout: 30 * time.Minute},
		MaxRetries:      4,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Progress:        true,
	}
}

// ResolveURL 返回下载地址, 环境变量 DIS_MODEL_URL 优先
func ResolveURL() string {
	if u := os.Getenv(EnvModelURL); u != "" {
		return u
	}
	return DefaultURL
}

// Ensure 确保权重文件存在, 不存在时从 url 下载
//
// 返回值 downloaded 表示本次调用是否发生了下载
func Ensure(ctx context.Context, path, url string, opts Options) (downloaded bool, err error) {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("%w: %s 是目录", dis.ErrInvalidWeights, path)
		}
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%w: %w", dis.ErrInvalidWeights, err)
	}

	if err := Download(ctx, url, path, opts); err != nil {
		return false, err
	}
	return true, nil
}

// Download 下载 url 到 path, 失败时按指数退避重试
//
// 数据先写入同目录下的临时文件, 完整下载后再重命名, 失败时不会留下残缺文件
func Download(ctx context.Context, url, path string, opts Options) error {
	opts = withDefaults(opts)
	logger := opts.Logger.WithFields(logrus.Fields{"url": url, "path": path})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: 创建目录失败: %w", dis.ErrDownload, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, opts.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		logger.WithField("attempt", attempt).Info("下载权重")
		return fetch(ctx, opts, url, path)
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("attempt", attempt).Warnf("下载失败, %s 后重试", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: %s: %w", dis.ErrDownload, url, err)
	}
	logger.Info("权重下载完成")
	return nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Client == nil {
		opts.Client = def.Client
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return opts
}

// fetch 单次下载
func fetch(ctx context.Context, opts Options, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("响应状态异常: %s", resp.Status)
		// 4xx 重试无意义, 408/429 除外
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("创建临时文件失败: %w", err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	var w io.Writer = tmp
	if opts.Progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading "+filepath.Base(path))
		defer bar.Finish()
		w = io.MultiWriter(tmp, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("下载不完整: %d/%d 字节", n, resp.ContentLength)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return backoff.Permanent(fmt.Errorf("重命名权重文件失败: %w", err))
	}
	committed = true
	return nil
}
