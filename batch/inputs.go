package batch

import (
	"errors"
	"fmt"
	"github.com/bmatcuk/doublestar/v4"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNoInputs 输入目录中没有匹配的图片
	ErrNoInputs = errors.New("没有匹配的输入图片")
	// ErrDuplicateOutput 多张图片对应同一组输出文件 (例如 a.jpg 与 a.png)
	ErrDuplicateOutput = errors.New("输出文件重复")
)

// ListInputs 列出待预测的图片
//
// # Params:
//
//	input: 图片目录或单个图片路径
//	pattern: doublestar 匹配规则, 相对 input 目录, 例如 "*.jpg" 或 "**/*.png"
//
// # Returns:
//
//	baseDir: 图片所在的根目录
//	rels: 相对 baseDir 的路径 (以 / 分隔), 已排序
func ListInputs(input, pattern string) (string, []string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return "", nil, fmt.Errorf("读取输入路径失败: %w", err)
	}
	// 单个文件不做匹配
	if !info.IsDir() {
		return filepath.Dir(input), []string{filepath.Base(input)}, nil
	}

	if !doublestar.ValidatePattern(pattern) {
		return "", nil, fmt.Errorf("匹配规则 %q 不合法", pattern)
	}

	fsys := os.DirFS(input)
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("匹配输入图片失败: %w", err)
	}

	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		st, err := fs.Stat(fsys, m)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		rels = append(rels, m)
	}
	sort.Strings(rels)
	return input, rels, nil
}

// Outputs 单张图片的输出文件路径
type Outputs struct {
	Probs   string // <stem>.npy
	Mask    string // <stem>_prediction.jpg
	Overlay string // <stem>_overlay.png
}

// OutputPaths 根据输入图片的相对路径生成输出路径, 子目录结构保留在 outDir 下
//
// # Params:
//
//	outDir: 输出目录
//	rel: 相对输入目录的路径 (以 / 分隔)
func OutputPaths(outDir, rel string) Outputs {
	stem := strings.TrimSuffix(rel, path.Ext(rel))
	base := filepath.Join(outDir, filepath.FromSlash(stem))
	return Outputs{
		Probs:   base + ".npy",
		Mask:    base + "_prediction.jpg",
		Overlay: base + "_overlay.png",
	}
}

// dedupeOutputs 按输出路径去重, 保留排序后的第一张图片, 其余图片以 FileError 返回
func dedupeOutputs(outDir string, rels []string) ([]string, []error) {
	owner := make(map[string]string, len(rels))
	kept := make([]string, 0, len(rels))
	var dups []error
	for _, rel := range rels {
		mask := OutputPaths(outDir, rel).Mask
		if first, ok := owner[mask]; ok {
			dups = append(dups, &FileError{
				File: rel,
				Err:  fmt.Errorf("%w: 与 %s 同为 %s", ErrDuplicateOutput, first, mask),
			})
			continue
		}
		owner[mask] = rel
		kept = append(kept, rel)
	}
	return kept, dups
}
