// Package batch 对目录中的图片批量执行分割推理, 并写出概率张量和彩色 Mask
package batch

import (
	"context"
	"errors"
	"fmt"
	"github.com/getcharzp/go-unet"
	"github.com/getcharzp/go-unet/internal/ctxlog"
	"github.com/getcharzp/go-unet/npy"
	"github.com/getcharzp/go-unet/segment"
	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/sync/errgroup"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/jpeg"
	_ "image/png"
)

// Predictor 分割模型, *segment.Engine 实现了该接口
type Predictor interface {
	Predict(img image.Image) (*segment.Result, error)
}

// Options 批处理参数
type Options struct {
	InputDir  string // 图片目录或单张图片
	OutputDir string // 输出目录, 为空时写入输入目录
	Pattern   string // 匹配规则 (默认 "*.jpg")

	NoSave    bool // 只推理, 不写文件
	SaveProbs bool // 写出 <stem>.npy 概率张量
	FullSize  bool // 将彩色 Mask 还原到原图尺寸
	Overlay   bool // 写出 <stem>_overlay.png 叠加图
	Workers   int  // 并发数 (默认 1)

	Palette    segment.Palette
	ClassNames map[int]string // (可选) 图例中显示的类别名称
	FontPath   string         // (可选) 图例字体, 为空时使用内置点阵字体
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Pattern:   "*.jpg",
		SaveProbs: true,
		Workers:   1,
		Palette:   segment.DefaultPalette(),
	}
}

// Summary 批处理统计
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// FileError 单张图片的处理错误
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Runner 批处理执行器
type Runner struct {
	predictor Predictor
	opts      Options

	drawMu sync.Mutex // TextDrawer 的字体缓存不支持并发
	drawer *unet.TextDrawer
}

// NewRunner 创建批处理执行器
func NewRunner(p Predictor, opts Options) (*Runner, error) {
	if p == nil {
		return nil, errors.New("predictor 不能为空")
	}
	if opts.InputDir == "" {
		return nil, errors.New("InputDir 不能为空")
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.jpg"
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Palette == nil {
		opts.Palette = segment.DefaultPalette()
	}

	r := &Runner{predictor: p, opts: opts}
	if opts.Overlay && !opts.NoSave {
		d, err := unet.NewTextDrawer(opts.FontPath)
		if err != nil {
			return nil, err
		}
		r.drawer = d
	}
	return r, nil
}

// Close 释放资源
func (r *Runner) Close() {
	if r.drawer != nil {
		r.drawer.Close()
	}
}

// Run 依次 (或按 Workers 并发) 处理所有匹配的图片.
// 单张图片失败不会中断批处理, 所有失败以 errors.Join 的形式返回.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()

	baseDir, rels, err := ListInputs(r.opts.InputDir, r.opts.Pattern)
	if err != nil {
		return Summary{}, err
	}
	if len(rels) == 0 {
		return Summary{}, fmt.Errorf("%w: %s (%s)", ErrNoInputs, r.opts.InputDir, r.opts.Pattern)
	}
	outDir := r.opts.OutputDir
	if outDir == "" {
		outDir = baseDir
	}
	logger.Info("开始批量预测", "input", baseDir, "output", outDir, "files", len(rels), "workers", r.opts.Workers)

	var (
		succeeded atomic.Int64
		mu        sync.Mutex
		failures  []error
	)
	todo := rels
	if !r.opts.NoSave {
		todo, failures = dedupeOutputs(outDir, rels)
		for _, err := range failures {
			logger.Error("预测失败", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, rel := range todo {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := r.processFile(gctx, baseDir, outDir, rel); err != nil {
				logger.Error("预测失败", "file", rel, "error", err)
				mu.Lock()
				failures = append(failures, &FileError{File: rel, Err: err})
				mu.Unlock()
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	waitErr := g.Wait()

	summary := Summary{
		Total:     len(rels),
		Succeeded: int(succeeded.Load()),
		Failed:    len(failures),
		Duration:  time.Since(start),
	}
	logger.Info("批量预测结束", "total", summary.Total, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "duration", summary.Duration)

	if waitErr != nil {
		failures = append(failures, waitErr)
	} else if err := ctx.Err(); err != nil {
		failures = append(failures, err)
	}
	return summary, errors.Join(failures...)
}

// processFile 读取 -> 推理 -> 写出
func (r *Runner) processFile(ctx context.Context, baseDir, outDir, rel string) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("预测图片", "file", rel)

	img, err := imageutil.Open(filepath.Join(baseDir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("打开图片失败: %w", err)
	}

	started := time.Now()
	res, err := r.predictor.Predict(img)
	if err != nil {
		return err
	}
	logger.Debug("推理完成", "file", rel, "width", res.Width, "height", res.Height,
		"classes", res.NumClasses, "elapsed", time.Since(started))

	if r.opts.NoSave {
		return nil
	}

	out := OutputPaths(outDir, rel)
	if err := os.MkdirAll(filepath.Dir(out.Mask), 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}

	if r.opts.SaveProbs {
		if err := npy.WriteFile(out.Probs, res.Shape(), res.Probs); err != nil {
			return fmt.Errorf("写出概率张量失败: %w", err)
		}
	}

	var mask image.Image = res.ColorMask(r.opts.Palette)
	if r.opts.FullSize {
		b := img.Bounds()
		mask = fitMask(mask, b.Dx(), b.Dy())
	}
	if err := imageutil.Save(out.Mask, mask, 100); err != nil {
		return fmt.Errorf("写出 Mask 失败: %w", err)
	}
	logger.Info("Mask 已保存", "path", out.Mask)

	if r.opts.Overlay {
		r.drawMu.Lock()
		overlay := renderOverlay(img, res, r.opts.Palette, r.opts.ClassNames, r.drawer)
		r.drawMu.Unlock()
		if err := imageutil.Save(out.Overlay, overlay, 100); err != nil {
			return fmt.Errorf("写出叠加图失败: %w", err)
		}
	}
	return nil
}
