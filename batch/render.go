package batch

import (
	"fmt"
	"github.com/getcharzp/go-unet"
	"github.com/getcharzp/go-unet/segment"
	"github.com/nfnt/resize"
	"github.com/up-zero/gotool/imageutil"
	"image"
)

// overlayAlpha 叠加图中 Mask 的不透明度
const overlayAlpha = 0.5

// fitMask 将彩色 Mask 用最近邻插值还原到原图尺寸
func fitMask(mask image.Image, w, h int) image.Image {
	b := mask.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return mask
	}
	return resize.Resize(uint(w), uint(h), mask, resize.NearestNeighbor)
}

// alignSource 将原图缩放到结果宽度, 并按结果高度居中裁剪, 与预处理保持一致
func alignSource(img image.Image, res *segment.Result) image.Image {
	b := img.Bounds()
	var fullH int
	if w, h := segment.ScaledSize(b.Dx(), b.Dy(), res.Scale); res.Scale > 0 && w == res.Width {
		fullH = h
	} else {
		fullH = b.Dy() * res.Width / b.Dx()
	}
	fullH = max(fullH, res.Height)

	var scaled image.Image = img
	if b.Dx() != res.Width || b.Dy() != fullH {
		scaled = imageutil.Resize(img, res.Width, fullH)
	}

	top := (fullH - res.Height) / 2
	sb := scaled.Bounds()
	rect := image.Rect(sb.Min.X, sb.Min.Y+top, sb.Min.X+res.Width, sb.Min.Y+top+res.Height)
	if sub, ok := scaled.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}
	return scaled
}

// legendEntries 只列出结果中出现的前景类别
func legendEntries(res *segment.Result, p segment.Palette, names map[int]string) []unet.LegendEntry {
	var entries []unet.LegendEntry
	for id, frac := range res.Coverage() {
		if id == 0 || frac == 0 {
			continue
		}
		c, ok := p.Color(uint8(id))
		if !ok {
			continue
		}
		label := fmt.Sprintf("%d %.1f%%", id, frac*100)
		if name, ok := names[id]; ok {
			label = fmt.Sprintf("%d %s %.1f%%", id, name, frac*100)
		}
		entries = append(entries, unet.LegendEntry{Label: label, Color: c})
	}
	return entries
}

// renderOverlay 原图 + 半透明 Mask + 图例
func renderOverlay(img image.Image, res *segment.Result, p segment.Palette, names map[int]string, drawer *unet.TextDrawer) image.Image {
	dst := res.Overlay(alignSource(img, res), p, overlayAlpha)
	if drawer != nil {
		drawer.DrawLegend(dst, legendEntries(res, p, names), image.Pt(0, 0))
	}
	return dst
}
