package segment

import (
	"fmt"
	"github.com/up-zero/gotool/imageutil"
	"image"
	"math"
)

// preprocess 预处理: 缩放 -> 裁剪 -> 归一化 (0-1) -> HWC 转 CHW
//
// # Params:
//
//	img: 原图
//	cfg: 引擎配置, 使用 Scale / FinalHeight / NumChannels
func preprocess(img image.Image, cfg Config) ([]float32, imageParams, error) {
	bounds := img.Bounds()
	params := imageParams{
		origW: bounds.Dx(),
		origH: bounds.Dy(),
	}

	newW, newH := ScaledSize(params.origW, params.origH, cfg.Scale)
	if newW <= 0 || newH <= 0 {
		return nil, params, fmt.Errorf("图片尺寸 %dx%d 按比例 %v 缩放后为空", params.origW, params.origH, cfg.Scale)
	}

	var resized image.Image = img
	if newW != params.origW || newH != params.origH {
		resized = imageutil.Resize(img, newW, newH)
	}

	// 裁剪上下各 diff/2 行
	top, bottom := 0, newH
	if cfg.FinalHeight > 0 {
		diff := newH - cfg.FinalHeight
		if diff < 0 {
			return nil, params, fmt.Errorf("缩放后高度 %d 小于 FinalHeight %d", newH, cfg.FinalHeight)
		}
		top = diff / 2
		bottom = newH - diff/2
	}
	params.newW = newW
	params.newH = bottom - top

	data := chw(resized, top, bottom, cfg.NumChannels)
	return data, params, nil
}

// ScaledSize 预处理缩放后的尺寸 (向下取整)
func ScaledSize(w, h int, scale float32) (int, int) {
	return int(float32(w) * scale), int(float32(h) * scale)
}

// chw 将 [top, bottom) 行的像素转换为 CHW 排列, 并除以 255
func chw(src image.Image, top, bottom, channels int) []float32 {
	b := src.Bounds()
	w, h := b.Dx(), bottom-top
	plane := w * h
	data := make([]float32, channels*plane)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+top+y).RGBA()
			idx := y*w + x
			if channels == 1 {
				// ITU-R 601-2 亮度
				l := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8) + 500) / 1000
				data[idx] = float32(l) / 255.0
				continue
			}
			data[idx] = float32(r>>8) / 255.0          // R
			data[plane+idx] = float32(g>>8) / 255.0    // G
			data[2*plane+idx] = float32(bl>>8) / 255.0 // B
		}
	}
	return data
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

// softmax 沿通道维度做 softmax, 原地修改
//
// # Params:
//
//	data: [C, H*W] 排列的 logits
//	c: 通道数
//	plane: 单通道像素数 H*W
func softmax(data []float32, c, plane int) {
	for i := 0; i < plane; i++ {
		maxV := float32(math.Inf(-1))
		for k := 0; k < c; k++ {
			maxV = max(maxV, data[k*plane+i])
		}
		sum := float32(0)
		for k := 0; k < c; k++ {
			v := float32(math.Exp(float64(data[k*plane+i] - maxV)))
			data[k*plane+i] = v
			sum += v
		}
		for k := 0; k < c; k++ {
			data[k*plane+i] /= sum
		}
	}
}

// argmax 每个像素取概率最大的类别, 相同时取较小的类别ID
func argmax(probs []float32, c, plane int) []uint8 {
	classMap := make([]uint8, plane)
	for i := 0; i < plane; i++ {
		best := 0
		bestV := probs[i]
		for k := 1; k < c; k++ {
			if v := probs[k*plane+i]; v > bestV {
				bestV = v
				best = k
			}
		}
		classMap[i] = uint8(best)
	}
	return classMap
}

// threshold 单类别模型: sigmoid 后大于阈值记为类别 1, 原地修改为概率
func threshold(data []float32, thresh float32) []uint8 {
	classMap := make([]uint8, len(data))
	for i, v := range data {
		p := sigmoid(v)
		data[i] = p
		if p > thresh {
			classMap[i] = 1
		}
	}
	return classMap
}
