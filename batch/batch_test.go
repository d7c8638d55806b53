package batch

import (
	"bytes"
	"context"
	"errors"
	"github.com/getcharzp/go-unet/internal/ctxlog"
	"github.com/getcharzp/go-unet/npy"
	"github.com/getcharzp/go-unet/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/up-zero/gotool/imageutil"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// fakePredictor 左半边为类别 1, 右半边为类别 2, 尺寸为原图的一半
type fakePredictor struct {
	calls atomic.Int64
	fail  map[int]bool // 原图宽度 -> 返回错误
}

func (f *fakePredictor) Predict(img image.Image) (*segment.Result, error) {
	f.calls.Add(1)
	b := img.Bounds()
	if f.fail[b.Dx()] {
		return nil, errors.New("boom")
	}
	w, h := b.Dx()/2, b.Dy()/2
	res := &segment.Result{
		Width:      w,
		Height:     h,
		NumClasses: 3,
		Scale:      0.5,
		Probs:      make([]float32, 3*w*h),
		ClassMap:   make([]uint8, w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			id := uint8(1)
			if x >= w/2 {
				id = 2
			}
			res.ClassMap[y*w+x] = id
			res.Probs[int(id)*w*h+y*w+x] = 1
		}
	}
	return res, nil
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func testContext(buf *bytes.Buffer) context.Context {
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger)
}

func TestListInputs(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "b.jpg"), 4, 4)
	writeJPEG(t, filepath.Join(dir, "a.jpg"), 4, 4)
	writeJPEG(t, filepath.Join(dir, "sub", "c.jpg"), 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.jpg"), 0o755))

	base, rels, err := ListInputs(dir, "*.jpg")
	require.NoError(t, err)
	assert.Equal(t, dir, base)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, rels)

	_, rels, err = ListInputs(dir, "**/*.jpg")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "sub/c.jpg"}, rels)
}

func TestListInputs_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "only.png")
	writeJPEG(t, path, 4, 4)

	base, rels, err := ListInputs(path, "*.jpg")
	require.NoError(t, err)
	assert.Equal(t, dir, base)
	assert.Equal(t, []string{"only.png"}, rels)
}

func TestListInputs_Errors(t *testing.T) {
	_, _, err := ListInputs(filepath.Join(t.TempDir(), "missing"), "*.jpg")
	assert.Error(t, err)

	_, _, err = ListInputs(t.TempDir(), "[")
	assert.Error(t, err)
}

func TestOutputPaths(t *testing.T) {
	out := OutputPaths("/out", "sub/img_01.jpg")
	assert.Equal(t, filepath.FromSlash("/out/sub/img_01.npy"), out.Probs)
	assert.Equal(t, filepath.FromSlash("/out/sub/img_01_prediction.jpg"), out.Mask)
	assert.Equal(t, filepath.FromSlash("/out/sub/img_01_overlay.png"), out.Overlay)

	out = OutputPaths("/out", "noext")
	assert.Equal(t, filepath.FromSlash("/out/noext_prediction.jpg"), out.Mask)
}

func TestRunner_Run(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeJPEG(t, filepath.Join(in, "x.jpg"), 8, 6)
	writeJPEG(t, filepath.Join(in, "y.jpg"), 8, 6)
	writeJPEG(t, filepath.Join(in, "skip.png"), 8, 6)

	opts := DefaultOptions()
	opts.InputDir = in
	opts.OutputDir = out
	p := &fakePredictor{}
	r, err := NewRunner(p, opts)
	require.NoError(t, err)
	defer r.Close()

	var logs bytes.Buffer
	summary, err := r.Run(testContext(&logs))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.EqualValues(t, 2, p.calls.Load())

	shape, data, err := npy.ReadFile(filepath.Join(out, "x.npy"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3, 4}, shape)
	assert.Len(t, data, 36)

	mask, err := imageutil.Open(filepath.Join(out, "y_prediction.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), mask.Bounds())

	assert.NoFileExists(t, filepath.Join(out, "x_overlay.png"))
	assert.NoFileExists(t, filepath.Join(out, "skip_prediction.jpg"))
	assert.Contains(t, logs.String(), "批量预测结束")
}

func TestRunner_FullSizeAndOverlay(t *testing.T) {
	in := t.TempDir()
	writeJPEG(t, filepath.Join(in, "x.jpg"), 16, 12)

	opts := DefaultOptions()
	opts.InputDir = in
	opts.FullSize = true
	opts.Overlay = true
	opts.SaveProbs = false
	opts.ClassNames = map[int]string{1: "road"}
	r, err := NewRunner(&fakePredictor{}, opts)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Run(testContext(new(bytes.Buffer)))
	require.NoError(t, err)

	// 未指定输出目录时写入输入目录
	mask, err := imageutil.Open(filepath.Join(in, "x_prediction.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 12), mask.Bounds())

	overlay, err := imageutil.Open(filepath.Join(in, "x_overlay.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), overlay.Bounds())
	assert.NoFileExists(t, filepath.Join(in, "x.npy"))
}

func TestRunner_NoSave(t *testing.T) {
	in := t.TempDir()
	writeJPEG(t, filepath.Join(in, "x.jpg"), 8, 8)

	opts := DefaultOptions()
	opts.InputDir = in
	opts.NoSave = true
	opts.Overlay = true
	p := &fakePredictor{}
	r, err := NewRunner(p, opts)
	require.NoError(t, err)

	summary, err := r.Run(testContext(new(bytes.Buffer)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.NoFileExists(t, filepath.Join(in, "x_prediction.jpg"))
	assert.NoFileExists(t, filepath.Join(in, "x.npy"))
}

func TestRunner_ContinuesAfterFailure(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeJPEG(t, filepath.Join(in, "bad.jpg"), 10, 10)
	writeJPEG(t, filepath.Join(in, "good.jpg"), 8, 8)
	require.NoError(t, os.WriteFile(filepath.Join(in, "broken.jpg"), []byte("not an image"), 0o644))

	opts := DefaultOptions()
	opts.InputDir = in
	opts.OutputDir = out
	opts.Workers = 3
	r, err := NewRunner(&fakePredictor{fail: map[int]bool{10: true}}, opts)
	require.NoError(t, err)

	summary, err := r.Run(testContext(new(bytes.Buffer)))
	require.Error(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)

	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "bad.jpg")
	assert.Contains(t, err.Error(), "broken.jpg")
	assert.FileExists(t, filepath.Join(out, "good_prediction.jpg"))
}

func TestRunner_DuplicateOutputs(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeJPEG(t, filepath.Join(in, "a.jpg"), 8, 8)
	writeJPEG(t, filepath.Join(in, "a.png"), 10, 10)
	writeJPEG(t, filepath.Join(in, "b.jpg"), 8, 8)

	opts := DefaultOptions()
	opts.InputDir = in
	opts.OutputDir = out
	opts.Pattern = "*"
	opts.Workers = 3
	p := &fakePredictor{}
	r, err := NewRunner(p, opts)
	require.NoError(t, err)

	summary, err := r.Run(testContext(new(bytes.Buffer)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateOutput)
	assert.Contains(t, err.Error(), "a.png")
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 2, p.calls.Load())

	// a.jpg 先于 a.png, 输出来自 8x8 的 a.jpg
	mask, err := imageutil.Open(filepath.Join(out, "a_prediction.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), mask.Bounds())
}

func TestDedupeOutputs(t *testing.T) {
	kept, dups := dedupeOutputs("/out", []string{"a.jpg", "a.png", "sub/a.jpg", "b"})
	assert.Equal(t, []string{"a.jpg", "sub/a.jpg", "b"}, kept)
	require.Len(t, dups, 1)
	var fe *FileError
	require.ErrorAs(t, dups[0], &fe)
	assert.Equal(t, "a.png", fe.File)
}

func TestRunner_NoSaveAllowsDuplicateStems(t *testing.T) {
	in := t.TempDir()
	writeJPEG(t, filepath.Join(in, "a.jpg"), 8, 8)
	writeJPEG(t, filepath.Join(in, "a.png"), 8, 8)

	opts := DefaultOptions()
	opts.InputDir = in
	opts.Pattern = "*"
	opts.NoSave = true
	r, err := NewRunner(&fakePredictor{}, opts)
	require.NoError(t, err)

	summary, err := r.Run(testContext(new(bytes.Buffer)))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRunner_NoInputs(t *testing.T) {
	opts := DefaultOptions()
	opts.InputDir = t.TempDir()
	r, err := NewRunner(&fakePredictor{}, opts)
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestRunner_Cancelled(t *testing.T) {
	in := t.TempDir()
	writeJPEG(t, filepath.Join(in, "x.jpg"), 8, 8)

	opts := DefaultOptions()
	opts.InputDir = in
	p := &fakePredictor{}
	r, err := NewRunner(p, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, p.calls.Load())
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(nil, DefaultOptions())
	assert.Error(t, err)

	_, err = NewRunner(&fakePredictor{}, Options{})
	assert.Error(t, err)

	r, err := NewRunner(&fakePredictor{}, Options{InputDir: "."})
	require.NoError(t, err)
	assert.Equal(t, "*.jpg", r.opts.Pattern)
	assert.Equal(t, 1, r.opts.Workers)
	assert.NotNil(t, r.opts.Palette)
}

func TestLegendEntries(t *testing.T) {
	res := &segment.Result{Width: 4, Height: 1, NumClasses: 3, ClassMap: []uint8{0, 1, 1, 2}}
	p := segment.Palette{1: {R: 255, A: 255}}

	entries := legendEntries(res, p, map[int]string{1: "road"})
	require.Len(t, entries, 1)
	assert.Equal(t, "1 road 50.0%", entries[0].Label)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, entries[0].Color)
}

func TestAlignSource(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 7))
	for y := 0; y < 7; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 36), B: 10, A: 255})
		}
	}
	// 缩放 0.5 后为 4x3 (7*0.5 向下取整), 不裁剪
	res := &segment.Result{Width: 4, Height: 3, Scale: 0.5}
	got := alignSource(img, res)
	want := imageutil.Resize(img, 4, 3)
	require.Equal(t, 4, got.Bounds().Dx())
	require.Equal(t, 3, got.Bounds().Dy())
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			gb, wb := got.Bounds().Min, want.Bounds().Min
			assert.Equal(t, color.RGBAModel.Convert(want.At(wb.X+x, wb.Y+y)),
				color.RGBAModel.Convert(got.At(gb.X+x, gb.Y+y)), "(%d, %d)", x, y)
		}
	}
}

func TestAlignSource_OddCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, color.RGBA{G: uint8(y), A: 255})
		}
	}
	// FinalHeight 4: diff 5, 上下各裁 2 行, 保留 5 行
	res := &segment.Result{Width: 2, Height: 5, Scale: 1}
	got := alignSource(img, res)
	require.Equal(t, image.Rect(0, 2, 2, 7), got.Bounds())
	assert.Equal(t, color.RGBA{G: 2, A: 255}, got.At(0, 2))
}

func TestFitMask(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	assert.Same(t, image.Image(src), fitMask(src, 2, 2))
	assert.Equal(t, image.Rect(0, 0, 6, 4), fitMask(src, 6, 4).Bounds())
}
