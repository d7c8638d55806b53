package segment

import (
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"image"
	"image/color"
	"testing"
)

func newTestEngine(numClasses int) *Engine {
	cfg := DefaultConfig()
	cfg.NumClasses = numClasses
	return &Engine{config: cfg}
}

func TestPostprocess_MultiClass(t *testing.T) {
	e := newTestEngine(3)
	// 1x2 图片, 3 个类别
	logits := []float32{
		5, 0,
		0, 0,
		0, 5,
	}
	res, err := e.postprocess(logits, []int64{1, 3, 1, 2})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Width)
	assert.Equal(t, 1, res.Height)
	assert.Equal(t, []uint8{0, 2}, res.ClassMap)
	assert.Equal(t, []int{1, 3, 1, 2}, res.Shape())
	require.Len(t, res.Probs, 6)
	assert.InDelta(t, 1.0, res.Probs[0]+res.Probs[2]+res.Probs[4], 1e-5)
	// 不修改模型输出
	assert.Equal(t, float32(5), logits[0])
}

func TestPostprocess_Binary(t *testing.T) {
	e := newTestEngine(1)
	e.config.MaskThreshold = 0.7

	res, err := e.postprocess([]float32{0, 1, 2, -1}, []int64{1, 1, 2, 2})
	require.NoError(t, err)
	// sigmoid(1)≈0.73, sigmoid(2)≈0.88
	assert.Equal(t, []uint8{0, 1, 1, 0}, res.ClassMap)
	assert.InDelta(t, 0.5, res.Probs[0], 1e-6)
}

func TestPostprocess_ShapeMismatch(t *testing.T) {
	e := newTestEngine(6)

	cases := map[string]struct {
		data  []float32
		shape []int64
	}{
		"rank":    {make([]float32, 6), []int64{6, 1}},
		"batch":   {make([]float32, 12), []int64{2, 6, 1, 1}},
		"classes": {make([]float32, 3), []int64{1, 3, 1, 1}},
		"length":  {make([]float32, 5), []int64{1, 6, 1, 1}},
	}
	for name, c := range cases {
		_, err := e.postprocess(c.data, c.shape)
		assert.ErrorIs(t, err, ErrShapeMismatch, name)
	}
}

func TestDecodeOutput_NotTensor(t *testing.T) {
	e := newTestEngine(6)
	_, err := e.decodeOutput(nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	var empty *ort.Tensor[float32]
	_, err = e.decodeOutput(empty)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestOnnxConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OnnxRuntimeLibPath = "/opt/ort/libonnxruntime.so"
	cfg.UseCuda = true
	cfg.NumThreads = 4
	cfg.EnableCpuMemArena = true

	oc, err := onnxConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", oc.OnnxRuntimeLibPath)
	assert.True(t, oc.UseCuda)
	assert.Equal(t, 4, oc.NumThreads)
	assert.True(t, oc.EnableCpuMemArena)
	assert.Nil(t, oc.SessionOptions)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().validate())

	mutate := map[string]func(*Config){
		"model":     func(c *Config) { c.ModelPath = "" },
		"scale":     func(c *Config) { c.Scale = 0 },
		"crop":      func(c *Config) { c.FinalHeight = -1 },
		"channels":  func(c *Config) { c.NumChannels = 4 },
		"classes":   func(c *Config) { c.NumClasses = 0 },
		"classes+":  func(c *Config) { c.NumClasses = 257 },
		"threshold": func(c *Config) { c.MaskThreshold = 1.5 },
	}
	for name, fn := range mutate {
		cfg := DefaultConfig()
		fn(&cfg)
		assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig, name)
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumClasses = 0
	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPalette(t *testing.T) {
	p := DefaultPalette()
	assert.Equal(t, []uint8{1, 2, 3, 4, 5}, p.IDs())

	c, ok := p.Color(0)
	assert.False(t, ok)
	assert.Equal(t, color.RGBA{A: 255}, c)

	c, ok = p.Color(3)
	assert.True(t, ok)
	assert.Equal(t, color.RGBA{R: 255, B: 255, A: 255}, c)
}

func TestParsePalette(t *testing.T) {
	p, err := ParsePalette(map[int][3]int{0: {10, 20, 30}, 7: {255, 0, 0}})
	require.NoError(t, err)
	want := Palette{
		0: {R: 10, G: 20, B: 30, A: 255},
		7: {R: 255, A: 255},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("palette mismatch (-want +got):\n%s", diff)
	}

	_, err = ParsePalette(map[int][3]int{300: {0, 0, 0}})
	assert.Error(t, err)
	_, err = ParsePalette(map[int][3]int{1: {0, 256, 0}})
	assert.Error(t, err)
}

func sampleResult() *Result {
	return &Result{
		Width:      3,
		Height:     2,
		NumClasses: 6,
		ClassMap:   []uint8{0, 1, 2, 5, 5, 9},
	}
}

func TestResult_ColorMask(t *testing.T) {
	res := sampleResult()
	img := res.ColorMask(DefaultPalette())

	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(1, 0))
	assert.Equal(t, color.RGBA{G: 255, B: 255, A: 255}, img.RGBAAt(2, 0))
	assert.Equal(t, color.RGBA{B: 255, A: 255}, img.RGBAAt(0, 1))
	// 未映射的类别为黑色
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(2, 1))
}

func TestResult_Masks(t *testing.T) {
	res := sampleResult()

	assert.Equal(t, []uint8{0, 1, 2, 5, 5, 9}, res.ClassMask().Pix)
	assert.Equal(t, []uint8{0, 255, 255, 255, 255, 255}, res.BinaryMask().Pix)
}

func TestResult_Coverage(t *testing.T) {
	cov := sampleResult().Coverage()
	require.Len(t, cov, 6)
	assert.InDelta(t, 1.0/6, cov[0], 1e-9)
	assert.InDelta(t, 2.0/6, cov[5], 1e-9)
	assert.Zero(t, cov[3])

	bin := &Result{Width: 2, Height: 1, NumClasses: 1, ClassMap: []uint8{0, 1}}
	assert.Equal(t, []float64{0.5, 0.5}, bin.Coverage())
}

func TestResult_Overlay(t *testing.T) {
	res := &Result{Width: 2, Height: 1, NumClasses: 2, ClassMap: []uint8{0, 1}}
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, color.RGBA{R: 100, A: 255})
	src.SetRGBA(1, 0, color.RGBA{A: 255})

	out := res.Overlay(src, Palette{1: {R: 200, G: 100, A: 255}}, 0.5)
	assert.Equal(t, color.RGBA{R: 100, A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 100, G: 50, A: 255}, out.RGBAAt(1, 0))
}
