package unet

import (
	"fmt"
	ort "github.com/yalue/onnxruntime_go"
	"runtime"
	"sync"
)

type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda           bool // (可选) 是否启用 CUDA
	NumThreads        int  // (可选) ONNX 线程数, 默认由CPU核心数决定
	EnableCpuMemArena bool // (可选) 是否开启 ONNX 内存池
}

var (
	initErr error
	once    sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", initErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("创建 SessionOptions 失败: %w", err)
	}
	if err := options.SetCpuMemArena(cfg.EnableCpuMemArena); err != nil {
		options.Destroy()
		return fmt.Errorf("设置内存池失败: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return fmt.Errorf("设置线程数失败: %w", err)
		}
	}

	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	}
	cfg.SessionOptions = options

	return nil
}

// Destroy 释放会话选项, 会话创建完成后即可调用
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	return libraryPath(runtime.GOOS, runtime.GOARCH)
}

func libraryPath(goos, goarch string) string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if goos == "windows" {
		return baseDir + libName + ".dll"
	}

	var ext string
	switch goos {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// ./lib/onnxruntime_amd64.so, ./lib/onnxruntime_arm64.dylib ...
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, goarch, ext)
}
