package segment

import (
	"fmt"
	"github.com/getcharzp/go-unet"
	"github.com/up-zero/gotool/convertutil"
	ort "github.com/yalue/onnxruntime_go"
	"image"
)

// Engine UNet 语义分割引擎, 可在多个 goroutine 中并发调用 Predict
type Engine struct {
	session    *ort.DynamicAdvancedSession
	config     Config
	inputName  string
	outputName string
}

// NewEngine 初始化分割引擎
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	oc, err := onnxConfig(cfg)
	if err != nil {
		return nil, err
	}
	// 初始化 ONNX
	if err := oc.New(); err != nil {
		return nil, err
	}
	defer oc.Destroy()

	inputName, outputName, err := resolveNames(cfg)
	if err != nil {
		return nil, err
	}

	// 创建 Session
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName}, oc.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}

	return &Engine{
		session:    session,
		config:     cfg,
		inputName:  inputName,
		outputName: outputName,
	}, nil
}

// onnxConfig 将运行时相关的参数 (库路径, CUDA, 线程数, 内存池) 复制到 OnnxConfig
func onnxConfig(cfg Config) (*unet.OnnxConfig, error) {
	oc := new(unet.OnnxConfig)
	if err := convertutil.CopyProperties(cfg, oc); err != nil {
		return nil, fmt.Errorf("复制参数失败: %w", err)
	}
	return oc, nil
}

// resolveNames 确定输入输出节点名称, 未配置时取模型的第一个输入和输出
func resolveNames(cfg Config) (string, string, error) {
	if cfg.InputName != "" && cfg.OutputName != "" {
		return cfg.InputName, cfg.OutputName, nil
	}
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return "", "", fmt.Errorf("读取模型输入输出信息失败: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", fmt.Errorf("模型 %s 缺少输入或输出节点", cfg.ModelPath)
	}

	inputName, outputName := cfg.InputName, cfg.OutputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}
	return inputName, outputName, nil
}

// Config 返回引擎配置
func (e *Engine) Config() Config {
	return e.config
}

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁 ONNX 会话失败: %w", err)
		}
		e.session = nil
	}
	return nil
}

// Predict 执行分割推理
//
// # Params:
//
//	img: 待分割图片, 结果尺寸为缩放 (及裁剪) 后的尺寸
func (e *Engine) Predict(img image.Image) (*Result, error) {
	// 预处理
	data, params, err := preprocess(img, e.config)
	if err != nil {
		return nil, fmt.Errorf("预处理失败: %w", err)
	}

	h, w := int64(params.newH), int64(params.newW)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(e.config.NumChannels), h, w), data)
	if err != nil {
		return nil, fmt.Errorf("创建 Input Tensor 失败: %w", err)
	}
	defer inputTensor.Destroy()

	// 推理, 输出由 ONNX Runtime 按模型实际形状分配
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	if outputs[0] != nil {
		defer outputs[0].Destroy()
	}

	// 后处理
	return e.decodeOutput(outputs[0])
}

// decodeOutput 检查输出类型后执行后处理
func (e *Engine) decodeOutput(v ort.Value) (*Result, error) {
	out, ok := v.(*ort.Tensor[float32])
	if !ok || out == nil {
		return nil, fmt.Errorf("%w: 期望 float32 Tensor, 实际 %T", ErrShapeMismatch, v)
	}
	return e.postprocess(out.GetData(), out.GetShape())
}

// postprocess 后处理
//
// # Params:
//
//	logits: 模型输出, [1, C, H, W] 排列
//	shape: 模型输出形状
func (e *Engine) postprocess(logits []float32, shape []int64) (*Result, error) {
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("%w: 期望 [1, C, H, W], 实际 %v", ErrShapeMismatch, shape)
	}
	c, h, w := int(shape[1]), int(shape[2]), int(shape[3])
	if c != e.config.NumClasses {
		return nil, fmt.Errorf("%w: 输出类别数 %d 与配置 %d 不一致", ErrShapeMismatch, c, e.config.NumClasses)
	}
	plane := h * w
	if len(logits) != c*plane {
		return nil, fmt.Errorf("%w: 数据长度 %d 与形状 %v 不一致", ErrShapeMismatch, len(logits), shape)
	}

	// 输出 Tensor 会被销毁, 复制一份
	probs := make([]float32, len(logits))
	copy(probs, logits)

	var classMap []uint8
	if c > 1 {
		softmax(probs, c, plane)
		classMap = argmax(probs, c, plane)
	} else {
		classMap = threshold(probs, e.config.MaskThreshold)
	}

	return &Result{
		Width:      w,
		Height:     h,
		NumClasses: c,
		Scale:      e.config.Scale,
		Probs:      probs,
		ClassMap:   classMap,
	}, nil
}
