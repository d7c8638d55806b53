package segment

import (
	"image"
	"image/color"
)

// Result 分割结果
type Result struct {
	Width      int
	Height     int
	NumClasses int
	Scale      float32 // 预处理使用的缩放比例, 0 表示未知

	// 每个类别的概率, [C, H, W] 排列.
	// 多类别模型为 softmax 结果, 单类别模型为 sigmoid 结果
	Probs []float32
	// 每个像素的类别ID, [H, W] 排列
	ClassMap []uint8
}

// Shape 概率张量的形状 [1, C, H, W]
func (r *Result) Shape() []int {
	return []int{1, r.NumClasses, r.Height, r.Width}
}

// ColorMask 按调色板将类别图转换为彩色图
func (r *Result) ColorMask(p Palette) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, id := range r.ClassMap {
		c, _ := p.Color(id)
		o := i * 4
		img.Pix[o] = c.R
		img.Pix[o+1] = c.G
		img.Pix[o+2] = c.B
		img.Pix[o+3] = 255
	}
	return img
}

// ClassMask 类别ID灰度图, 像素值即类别ID
func (r *Result) ClassMask() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	copy(img.Pix, r.ClassMap)
	return img
}

// BinaryMask 前景二值图, 非背景像素为 255
func (r *Result) BinaryMask() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for i, id := range r.ClassMap {
		if id != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

// Coverage 每个类别的像素占比, 下标为类别ID
func (r *Result) Coverage() []float64 {
	counts := make([]int, r.NumClasses)
	// 单类别模型的类别图取值为 0/1
	if r.NumClasses == 1 {
		counts = make([]int, 2)
	}
	for _, id := range r.ClassMap {
		if int(id) < len(counts) {
			counts[id]++
		}
	}
	cov := make([]float64, len(counts))
	total := float64(len(r.ClassMap))
	if total == 0 {
		return cov
	}
	for i, n := range counts {
		cov[i] = float64(n) / total
	}
	return cov
}

// Overlay 将彩色 Mask 按 alpha 叠加到图片上, 背景像素保持原图
//
// # Params:
//
//	src: 与结果同尺寸的图片
//	p: 调色板
//	alpha: Mask 不透明度 0-1
func (r *Result) Overlay(src image.Image, p Palette, alpha float64) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	b := src.Bounds()
	a := max(0, min(1, alpha))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			sr, sg, sb, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := color.RGBA{R: uint8(sr >> 8), G: uint8(sg >> 8), B: uint8(sb >> 8), A: 255}
			if id := r.ClassMap[y*r.Width+x]; id != 0 {
				if c, ok := p.Color(id); ok {
					px.R = blend(px.R, c.R, a)
					px.G = blend(px.G, c.G, a)
					px.B = blend(px.B, c.B, a)
				}
			}
			dst.SetRGBA(x, y, px)
		}
	}
	return dst
}

func blend(base, over uint8, alpha float64) uint8 {
	return uint8(float64(base)*(1-alpha) + float64(over)*alpha + 0.5)
}
