package isnet

import (
	"fmt"
	"image"
	"math"

	"github.com/getcharzp/go-dis"
)

// Preprocess 预处理, 将 (H, W, C) 缓冲区转换为 (1, C, 1024, 1024) 的输入张量
//
//  1. (H, W) 补充通道维度
//  2. HWC -> CHW, 增加 batch 维度
//  3. 双线性缩放到 1024x1024, 截断为 uint8
//  4. 除以 255
//  5. 减 Mean 除 Std
func Preprocess(buf Buffer) (*Tensor, error) {
	h, w, c, err := buf.dims()
	if err != nil {
		return nil, err
	}

	plane := InputSize * InputSize
	data := make([]float32, c*plane)
	src := make([]float32, h*w)
	for ch := 0; ch < c; ch++ {
		for i := range src {
			src[i] = float32(buf.Pix[i*c+ch])
		}
		resized := resizeBilinear(src, h, w, InputSize, InputSize)

		dst := data[ch*plane : (ch+1)*plane]
		for i, v := range resized {
			dst[i] = (float32(truncUint8(v))/255.0 - Mean) / Std
		}
	}

	return &Tensor{Shape: []int{1, c, InputSize, InputSize}, Data: data}, nil
}

// Postprocess 后处理, 将模型原始输出还原为 height x width 的 Mask
//
// 只使用输出的 [0][0] 平面 (最后两维), 缩放后按本次输出的最小/最大值线性映射到 0-255
func Postprocess(out *Tensor, height, width int) (*Result, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: 目标尺寸 %dx%d", dis.ErrInvalidInputShape, width, height)
	}
	plane, ph, pw, err := primaryPlane(out)
	if err != nil {
		return nil, err
	}

	resized := resizeBilinear(plane, ph, pw, height, width)
	mi, ma := minMax(resized)

	mask := image.NewGray(image.Rect(0, 0, width, height))
	res := &Result{Mask: mask, Min: mi, Max: ma}
	if ma == mi {
		res.Degenerate = true
		return res, nil
	}

	span := ma - mi
	for i, v := range resized {
		mask.Pix[i] = truncUint8((v - mi) / span * 255)
	}
	return res, nil
}

// primaryPlane 取出输出的第一个平面
func primaryPlane(out *Tensor) ([]float32, int, int, error) {
	if out == nil || len(out.Shape) < 2 {
		return nil, 0, 0, fmt.Errorf("%w: 至少需要 2 维", dis.ErrInvalidOutputShape)
	}
	n := 1
	for _, d := range out.Shape {
		if d <= 0 {
			return nil, 0, 0, fmt.Errorf("%w: 形状 %v 含非正维度", dis.ErrInvalidOutputShape, out.Shape)
		}
		n *= d
	}
	if n != len(out.Data) {
		return nil, 0, 0, fmt.Errorf("%w: 形状 %v 与数据长度 %d 不符", dis.ErrInvalidOutputShape, out.Shape, len(out.Data))
	}
	ph, pw := out.Shape[len(out.Shape)-2], out.Shape[len(out.Shape)-1]
	return out.Data[:ph*pw], ph, pw, nil
}

func minMax(data []float32) (mi, ma float32) {
	mi, ma = data[0], data[0]
	for _, v := range data[1:] {
		mi = min(mi, v)
		ma = max(ma, v)
	}
	return mi, ma
}

// truncUint8 截断到 uint8, 丢弃小数部分
func truncUint8(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

// tap 一个输出坐标对应的两个输入坐标及插值权重
type tap struct {
	i0, i1 int
	t      float32
}

// axisTaps 计算一条轴上的插值位置, 半像素中心对齐 (align_corners=false)
func axisTaps(in, out int) []tap {
	taps := make([]tap, out)
	scale := float64(in) / float64(out)
	for i := range taps {
		src := math.Max((float64(i)+0.5)*scale-0.5, 0)
		i0 := min(int(src), in-1)
		i1 := min(i0+1, in-1)
		taps[i] = tap{i0: i0, i1: i1, t: float32(src - float64(i0))}
	}
	return taps
}

// resizeBilinear 双线性插值缩放单通道平面
//
// # Params:
//
//	src: 行优先的输入平面
//	srcH, srcW: 输入尺寸
//	dstH, dstW: 输出尺寸
func resizeBilinear(src []float32, srcH, srcW, dstH, dstW int) []float32 {
	dst := make([]float32, dstH*dstW)
	xs := axisTaps(srcW, dstW)
	ys := axisTaps(srcH, dstH)

	for y, ty := range ys {
		row0 := src[ty.i0*srcW : (ty.i0+1)*srcW]
		row1 := src[ty.i1*srcW : (ty.i1+1)*srcW]
		out := dst[y*dstW : (y+1)*dstW]
		for x, tx := range xs {
			top := lerp(row0[tx.i0], row0[tx.i1], tx.t)
			bot := lerp(row1[tx.i0], row1[tx.i1], tx.t)
			out[x] = lerp(top, bot, ty.t)
		}
	}
	return dst
}

// lerp 常数输入时结果精确等于输入
func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}
