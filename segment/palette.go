package segment

import (
	"fmt"
	"image/color"
	"sort"
)

// Palette 类别ID到颜色的映射, 未映射的类别绘制为黑色
type Palette map[uint8]color.RGBA

// DefaultPalette 默认调色板, 0 为背景
//
//	1: 白色
//	2: 青色
//	3: 品红
//	4: 黄色
//	5: 蓝色
func DefaultPalette() Palette {
	return Palette{
		1: {R: 255, G: 255, B: 255, A: 255},
		2: {R: 0, G: 255, B: 255, A: 255},
		3: {R: 255, G: 0, B: 255, A: 255},
		4: {R: 255, G: 255, B: 0, A: 255},
		5: {R: 0, G: 0, B: 255, A: 255},
	}
}

// ParsePalette 从配置文件中的 {类别ID: [R, G, B]} 解析调色板
func ParsePalette(raw map[int][3]int) (Palette, error) {
	p := make(Palette, len(raw))
	for id, rgb := range raw {
		if id < 0 || id > 255 {
			return nil, fmt.Errorf("类别ID %d 超出 [0, 255] 范围", id)
		}
		for _, v := range rgb {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("类别 %d 的颜色 %v 超出 [0, 255] 范围", id, rgb)
			}
		}
		p[uint8(id)] = color.RGBA{R: uint8(rgb[0]), G: uint8(rgb[1]), B: uint8(rgb[2]), A: 255}
	}
	return p, nil
}

// Color 返回类别颜色, 未映射时返回黑色和 false
func (p Palette) Color(classID uint8) (color.RGBA, bool) {
	c, ok := p[classID]
	if !ok {
		return color.RGBA{A: 255}, false
	}
	return c, true
}

// IDs 按升序返回已映射的类别ID
func (p Palette) IDs() []uint8 {
	ids := make([]uint8, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
