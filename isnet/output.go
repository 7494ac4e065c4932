package isnet

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/getcharzp/go-dis"
	"github.com/up-zero/gotool/imageutil"
)

// Reporter 结果保存后的通知
type Reporter interface {
	Saved(path string)
}

// ReporterFunc 函数形式的 Reporter
type ReporterFunc func(path string)

func (f ReporterFunc) Saved(path string) { f(path) }

// OutputName 计算输出文件名
//
//	output 为空: <source 文件名>_dis<source 扩展名>, 扩展名缺失或不可写时使用 .png
//	output 非空: 不以 png/jpg/jpeg 结尾时追加 .png
func OutputName(source, output string) string {
	if output != "" {
		lower := strings.ToLower(output)
		for _, ext := range []string{"png", "jpg", "jpeg"} {
			if strings.HasSuffix(lower, ext) {
				return output
			}
		}
		return output + ".png"
	}

	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg":
	default:
		ext = ".png"
	}
	return stem + "_dis" + ext
}

// CutoutName 抠图文件名, 固定为 png 以保留透明通道
func CutoutName(maskPath string) string {
	ext := filepath.Ext(maskPath)
	return strings.TrimSuffix(maskPath, ext) + "_cutout.png"
}

// Cutout 以 Mask 作为透明通道生成抠图
func Cutout(img image.Image, mask *image.Gray) (*image.NRGBA, error) {
	bounds := img.Bounds()
	if bounds.Dx() != mask.Rect.Dx() || bounds.Dy() != mask.Rect.Dy() {
		return nil, fmt.Errorf("%w: 图片 %v 与 Mask %v 尺寸不一致", dis.ErrInvalidInputShape, bounds.Size(), mask.Rect.Size())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	for y := 0; y < dst.Rect.Dy(); y++ {
		src := mask.Pix[y*mask.Stride : y*mask.Stride+dst.Rect.Dx()]
		row := dst.Pix[y*dst.Stride:]
		for x, a := range src {
			row[x*4+3] = a
		}
	}
	return dst, nil
}

// Save 保存图片, 格式由扩展名决定 (不区分大小写)
//
// 先写入同目录下的临时文件再重命名, 编码失败时不会留下残缺文件.
func Save(path string, img image.Image) error {
	ext := strings.ToLower(filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", dis.ErrWriteOutput, path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*"+ext)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", dis.ErrWriteOutput, path, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	// imageutil.Save 只识别小写的 .jpg/.jpeg/.png
	if err := imageutil.Save(tmpPath, img, 100); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", dis.ErrWriteOutput, path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", dis.ErrWriteOutput, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", dis.ErrWriteOutput, path, err)
	}
	return nil
}

// InferOptions InferFile 的参数
type InferOptions struct {
	Output   string   // 输出文件名, 为空时由 OutputName 生成
	Save     bool     // 是否保存 Mask
	Cutout   bool     // 是否额外保存抠图, 仅在 Save 时生效
	Reporter Reporter // 每保存一个文件通知一次, 可为 nil
}

// InferFile 读取 source, 推理并按需保存, 返回结果及已保存的文件
func (e *Engine) InferFile(source string, opts InferOptions) (*Result, []string, error) {
	img, err := ReadImage(source)
	if err != nil {
		return nil, nil, err
	}
	return e.InferImage(source, img, opts)
}

// InferImage 对已解码的 img 推理并按需保存, source 仅用于生成输出文件名
func (e *Engine) InferImage(source string, img image.Image, opts InferOptions) (*Result, []string, error) {
	res, err := e.Predict(img)
	if err != nil {
		return nil, nil, err
	}
	if !opts.Save {
		return res, nil, nil
	}

	var saved []string
	out := OutputName(source, opts.Output)
	if err := Save(out, res.Mask); err != nil {
		return nil, nil, err
	}
	saved = append(saved, out)
	if opts.Reporter != nil {
		opts.Reporter.Saved(out)
	}

	if opts.Cutout {
		cut, err := Cutout(img, res.Mask)
		if err != nil {
			return nil, saved, err
		}
		name := CutoutName(out)
		if err := Save(name, cut); err != nil {
			return nil, saved, err
		}
		saved = append(saved, name)
		if opts.Reporter != nil {
			opts.Reporter.Saved(name)
		}
	}
	return res, saved, nil
}
