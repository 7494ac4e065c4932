package isnet

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io/fs"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/getcharzp/go-dis"
	"github.com/up-zero/gotool/imageutil"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Buffer 图像缓冲区, 行优先 (H, W, C) 排列的 uint8 采样, 通道顺序 RGB
//
// Shape 为 (H, W) 时视为单通道
type Buffer struct {
	Pix   []uint8
	Shape []int
}

// dims 校验形状并返回 H, W, C
func (b Buffer) dims() (h, w, c int, err error) {
	switch len(b.Shape) {
	case 2:
		h, w, c = b.Shape[0], b.Shape[1], 1
	case 3:
		h, w, c = b.Shape[0], b.Shape[1], b.Shape[2]
	default:
		return 0, 0, 0, fmt.Errorf("%w: 需要 (H, W) 或 (H, W, C), 实际维度 %d", dis.ErrInvalidInputShape, len(b.Shape))
	}
	if h <= 0 || w <= 0 || c <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: 形状 %v 含非正维度", dis.ErrInvalidInputShape, b.Shape)
	}
	if len(b.Pix) != h*w*c {
		return 0, 0, 0, fmt.Errorf("%w: 形状 %v 需要 %d 个采样, 实际 %d", dis.ErrInvalidInputShape, b.Shape, h*w*c, len(b.Pix))
	}
	return h, w, c, nil
}

// Height 图像高度
func (b Buffer) Height() int {
	if len(b.Shape) == 0 {
		return 0
	}
	return b.Shape[0]
}

// Width 图像宽度
func (b Buffer) Width() int {
	if len(b.Shape) < 2 {
		return 0
	}
	return b.Shape[1]
}

// FromImage 将图片转换为 (H, W, 3) 的 RGB 缓冲区
func FromImage(img image.Image) Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// 非预乘 alpha, 与直接读取颜色通道一致
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	}

	pix := make([]uint8, h*w*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < w; x++ {
			copy(pix[(y*w+x)*3:], row[x*4:x*4+3])
		}
	}
	return Buffer{Pix: pix, Shape: []int{h, w, 3}}
}

// ReadImage 读取并解码图片
func ReadImage(path string) (image.Image, error) {
	img, err := imageutil.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: 图片不存在: %s", dis.ErrDecodeImage, path)
		}
		return nil, fmt.Errorf("%w: %s: %w", dis.ErrDecodeImage, path, err)
	}
	return img, nil
}
