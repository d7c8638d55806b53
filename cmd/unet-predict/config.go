package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/getcharzp/go-unet/batch"
	"github.com/getcharzp/go-unet/segment"
)

// settings collects everything the CLI can configure. Values come from
// defaults, then the YAML file given by --config, then explicit flags.
type settings struct {
	Model         string  `yaml:"model"`
	Lib           string  `yaml:"lib"`
	Classes       int     `yaml:"classes"`
	Channels      int     `yaml:"channels"`
	Scale         float32 `yaml:"scale"`
	FinalHeight   int     `yaml:"final_height"`
	MaskThreshold float32 `yaml:"mask_threshold"`
	InputName     string  `yaml:"input_name"`
	OutputName    string  `yaml:"output_name"`
	Cuda          bool    `yaml:"cuda"`
	Threads       int     `yaml:"threads"`
	CpuMemArena   bool    `yaml:"cpu_mem_arena"`

	Input    string `yaml:"input"`
	Output   string `yaml:"output"`
	Pattern  string `yaml:"pattern"`
	Viz      bool   `yaml:"viz"`
	NoSave   bool   `yaml:"no_save"`
	NoProbs  bool   `yaml:"no_probs"`
	FullSize bool   `yaml:"full_size"`
	Workers  int    `yaml:"workers"`
	Font     string `yaml:"font"`

	Palette    map[int][]int  `yaml:"palette"`
	ClassNames map[int]string `yaml:"class_names"`

	Listen string `yaml:"listen"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	configPath string
}

func defaultSettings() settings {
	cfg := segment.DefaultConfig()
	opts := batch.DefaultOptions()
	return settings{
		Model:         cfg.ModelPath,
		Lib:           cfg.OnnxRuntimeLibPath,
		Classes:       cfg.NumClasses,
		Channels:      cfg.NumChannels,
		Scale:         cfg.Scale,
		MaskThreshold: cfg.MaskThreshold,
		Pattern:       opts.Pattern,
		Workers:       opts.Workers,
		Listen:        ":8080",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// loadSettingsFile overlays the YAML file at path onto s. Keys missing from
// the file keep their current value.
func loadSettingsFile(path string, s *settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// parseWithConfig parses args into a settings value. When --config is
// given, args are parsed a second time on top of the file so explicit
// flags win over file values.
func parseWithConfig(fs func(*settings) *flag.FlagSet, args []string) (settings, *flag.FlagSet, error) {
	s := defaultSettings()
	first := fs(&s)
	if err := first.Parse(args); err != nil {
		return s, first, err
	}
	if s.configPath == "" {
		return s, first, nil
	}

	merged := defaultSettings()
	if err := loadSettingsFile(s.configPath, &merged); err != nil {
		return s, first, err
	}
	second := fs(&merged)
	if err := second.Parse(args); err != nil {
		return merged, second, err
	}
	return merged, second, nil
}

func addEngineFlags(fs *flag.FlagSet, s *settings) {
	fs.StringVarP(&s.Model, "model", "m", s.Model, "ONNX model file")
	fs.StringVar(&s.Lib, "lib", s.Lib, "onnxruntime shared library")
	fs.IntVar(&s.Classes, "classes", s.Classes, "number of output classes, background included")
	fs.IntVar(&s.Channels, "channels", s.Channels, "number of input channels (1 or 3)")
	fs.Float32VarP(&s.Scale, "scale", "s", s.Scale, "scale factor for the input images")
	fs.IntVar(&s.FinalHeight, "final-height", s.FinalHeight, "center-crop scaled images to this height (0 disables)")
	fs.Float32VarP(&s.MaskThreshold, "mask-threshold", "t", s.MaskThreshold, "minimum probability for a foreground pixel (single-class models)")
	fs.StringVar(&s.InputName, "input-name", s.InputName, "model input name (default: first model input)")
	fs.StringVar(&s.OutputName, "output-name", s.OutputName, "model output name (default: first model output)")
	fs.BoolVar(&s.Cuda, "cuda", s.Cuda, "run on the CUDA execution provider")
	fs.IntVar(&s.Threads, "threads", s.Threads, "intra-op threads (0 lets onnxruntime decide)")
	fs.BoolVar(&s.CpuMemArena, "cpu-mem-arena", s.CpuMemArena, "enable the onnxruntime CPU memory arena")
}

func addCommonFlags(fs *flag.FlagSet, s *settings) {
	fs.StringVarP(&s.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&s.LogFormat, "log-format", s.LogFormat, "log format: text, json")
}

func (s settings) engineConfig() segment.Config {
	cfg := segment.DefaultConfig()
	cfg.ModelPath = s.Model
	cfg.OnnxRuntimeLibPath = s.Lib
	cfg.NumClasses = s.Classes
	cfg.NumChannels = s.Channels
	cfg.Scale = s.Scale
	cfg.FinalHeight = s.FinalHeight
	cfg.MaskThreshold = s.MaskThreshold
	cfg.InputName = s.InputName
	cfg.OutputName = s.OutputName
	cfg.UseCuda = s.Cuda
	cfg.NumThreads = s.Threads
	cfg.EnableCpuMemArena = s.CpuMemArena
	return cfg
}

func (s settings) palette() (segment.Palette, error) {
	if len(s.Palette) == 0 {
		return segment.DefaultPalette(), nil
	}
	raw := make(map[int][3]int, len(s.Palette))
	for id, rgb := range s.Palette {
		if len(rgb) != 3 {
			return nil, fmt.Errorf("palette entry %d: want [r, g, b], got %v", id, rgb)
		}
		raw[id] = [3]int{rgb[0], rgb[1], rgb[2]}
	}
	return segment.ParsePalette(raw)
}

func (s settings) batchOptions() (batch.Options, error) {
	p, err := s.palette()
	if err != nil {
		return batch.Options{}, err
	}
	opts := batch.DefaultOptions()
	opts.InputDir = s.Input
	opts.OutputDir = s.Output
	opts.Pattern = s.Pattern
	opts.NoSave = s.NoSave
	opts.SaveProbs = !s.NoProbs
	opts.FullSize = s.FullSize
	opts.Overlay = s.Viz
	opts.Workers = s.Workers
	opts.Palette = p
	opts.ClassNames = s.ClassNames
	opts.FontPath = s.Font
	return opts, nil
}
