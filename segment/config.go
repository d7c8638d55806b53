package segment

import (
	"errors"
	"fmt"
	"github.com/getcharzp/go-unet"
)

var (
	// ErrInvalidConfig 配置参数不合法
	ErrInvalidConfig = errors.New("配置参数不合法")
	// ErrShapeMismatch 模型输出形状与配置不一致
	ErrShapeMismatch = errors.New("模型输出形状不匹配")
)

// Config 引擎的初始化参数
type Config struct {
	ModelPath          string // ONNX 模型路径
	OnnxRuntimeLibPath string // ONNX Runtime 动态库路径

	// 推理参数
	Scale         float32 // 输入图片的缩放比例 (默认 0.5)
	FinalHeight   int     // 缩放后裁剪到的高度, 0 表示不裁剪
	MaskThreshold float32 // 单类别模型的二值化阈值 (默认 0.5)

	// 模型参数
	NumChannels int    // 输入通道数 (默认 3)
	NumClasses  int    // 输出类别数, 含背景 (默认 6)
	InputName   string // (可选) 输入节点名称, 为空时从模型读取
	OutputName  string // (可选) 输出节点名称, 为空时从模型读取

	// 可选参数
	UseCuda           bool // (可选) 是否启用 CUDA
	NumThreads        int  // (可选) ONNX 线程数, 默认由CPU核心数决定
	EnableCpuMemArena bool // (可选) 是否开启 ONNX 内存池
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ModelPath:          "./unet_weights/unet.onnx",
		OnnxRuntimeLibPath: unet.DefaultLibraryPath(),
		Scale:              0.5,
		MaskThreshold:      0.5,
		NumChannels:        3,
		NumClasses:         6,
	}
}

// imageParams 图片尺寸信息
type imageParams struct {
	origW, origH int
	newW, newH   int
}

// validate 检查配置是否可用
func (c Config) validate() error {
	switch {
	case c.ModelPath == "":
		return fmt.Errorf("%w: ModelPath 不能为空", ErrInvalidConfig)
	case c.Scale <= 0:
		return fmt.Errorf("%w: Scale 必须大于 0, 当前为 %v", ErrInvalidConfig, c.Scale)
	case c.FinalHeight < 0:
		return fmt.Errorf("%w: FinalHeight 不能为负数", ErrInvalidConfig)
	case c.NumChannels != 1 && c.NumChannels != 3:
		return fmt.Errorf("%w: NumChannels 只支持 1 或 3, 当前为 %d", ErrInvalidConfig, c.NumChannels)
	case c.NumClasses < 1 || c.NumClasses > 256:
		return fmt.Errorf("%w: NumClasses 需在 [1, 256] 范围内, 当前为 %d", ErrInvalidConfig, c.NumClasses)
	case c.MaskThreshold < 0 || c.MaskThreshold > 1:
		return fmt.Errorf("%w: MaskThreshold 需在 [0, 1] 范围内", ErrInvalidConfig)
	}
	return nil
}
