package unet

import (
	"fmt"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"image"
	"image/color"
	"image/draw"
	"os"
)

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font // 为 nil 时使用内置点阵字体
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径, 为空时使用内置点阵字体
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	if fontPath == "" {
		return NewBasicTextDrawer(), nil
	}
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// NewBasicTextDrawer 使用内置 7x13 点阵字体, 不依赖字体文件
func NewBasicTextDrawer() *TextDrawer {
	return &TextDrawer{
		face:     basicfont.Face7x13,
		fontSize: 13,
	}
}

// SetSize 动态调整字体大小, 点阵字体不支持调整
//
// # Params:
//
//	fontSize: 字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.font == nil {
		return nil
	}
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	d.face = nf
	d.fontSize = fontSize
	return nil
}

// LineHeight 单行文本的像素高度
func (d *TextDrawer) LineHeight() int {
	return d.face.Metrics().Height.Ceil()
}

// MeasureText 文本绘制后的像素宽度
func (d *TextDrawer) MeasureText(text string) int {
	return font.MeasureString(d.face, text).Ceil()
}

// DrawText 绘制文本
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 绘制的坐标 (基线)
//	c: 绘制的颜色
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	point := fixed.Point26_6{
		X: fixed.I(x),
		Y: fixed.I(y),
	}

	d1 := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c), // 文字颜色源
		Face: d.face,
		Dot:  point, // 开始绘制的点
	}
	d1.DrawString(text)
}

// LegendEntry 图例条目
type LegendEntry struct {
	Label string
	Color color.Color
}

// DrawLegend 在图像左上角绘制图例 (色块 + 文本), 返回图例所占区域
//
// # Params:
//
//	img: 被绘制的图像
//	entries: 图例条目
//	origin: 图例左上角坐标
func (d *TextDrawer) DrawLegend(img draw.Image, entries []LegendEntry, origin image.Point) image.Rectangle {
	if len(entries) == 0 {
		return image.Rectangle{Min: origin, Max: origin}
	}

	const pad = 4
	lineH := d.LineHeight()
	swatch := lineH - 2

	textW := 0
	for _, e := range entries {
		textW = max(textW, d.MeasureText(e.Label))
	}
	area := image.Rect(origin.X, origin.Y,
		origin.X+pad*3+swatch+textW,
		origin.Y+pad*2+len(entries)*lineH)

	// 半透明黑色底板
	draw.Draw(img, area, image.NewUniform(color.RGBA{A: 160}), image.Point{}, draw.Over)

	ascent := d.face.Metrics().Ascent.Ceil()
	for i, e := range entries {
		top := origin.Y + pad + i*lineH
		box := image.Rect(origin.X+pad, top+1, origin.X+pad+swatch, top+1+swatch)
		draw.Draw(img, box, image.NewUniform(e.Color), image.Point{}, draw.Src)
		d.DrawText(img, e.Label, box.Max.X+pad, top+ascent, color.White)
	}
	return area.Intersect(img.Bounds())
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.font != nil && d.face != nil {
		d.face.Close()
	}
}
