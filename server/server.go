// Package server 通过 HTTP 提供分割推理服务
package server

import (
	"bytes"
	"github.com/getcharzp/go-unet/batch"
	"github.com/getcharzp/go-unet/segment"
	"github.com/gin-gonic/gin"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/jpeg"
)

// maxUploadSize 上传图片的大小上限
const maxUploadSize = 32 << 20

// Handler 持有模型, 处理预测请求
type Handler struct {
	predictor batch.Predictor
	palette   segment.Palette
	logger    *slog.Logger
}

// NewHandler 创建 Handler, palette 为 nil 时使用默认调色板
func NewHandler(p batch.Predictor, palette segment.Palette, logger *slog.Logger) *Handler {
	if palette == nil {
		palette = segment.DefaultPalette()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{predictor: p, palette: palette, logger: logger}
}

// Router 注册路由
//
//	GET  /health        健康检查
//	POST /predict       上传图片 (表单字段 image), 返回彩色 Mask PNG
//	POST /predict/json  上传图片, 返回尺寸和各类别像素占比
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())
	r.MaxMultipartMemory = maxUploadSize

	r.GET("/health", h.Health)
	r.POST("/predict", h.PredictMask)
	r.POST("/predict/json", h.PredictJSON)
	return r
}

// accessLog 使用 slog 记录请求日志
func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("http 请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// PredictionResponse /predict/json 的响应
type PredictionResponse struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	NumClasses int       `json:"num_classes"`
	Coverage   []float64 `json:"coverage"` // 下标为类别ID
}

// PredictMask 返回彩色 Mask
func (h *Handler) PredictMask(c *gin.Context) {
	res, ok := h.predict(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.ColorMask(h.palette)); err != nil {
		h.logger.Error("编码 Mask 失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "编码 Mask 失败"})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// PredictJSON 返回预测统计
func (h *Handler) PredictJSON(c *gin.Context) {
	res, ok := h.predict(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PredictionResponse{
		Width:      res.Width,
		Height:     res.Height,
		NumClasses: res.NumClasses,
		Coverage:   res.Coverage(),
	})
}

// predict 解析上传图片并推理, 失败时已写入响应
func (h *Handler) predict(c *gin.Context) (*segment.Result, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少图片, 请使用表单字段 image 上传"})
		return nil, false
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取图片失败"})
		return nil, false
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的图片格式"})
		return nil, false
	}
	h.logger.Debug("收到图片", "file", fh.Filename, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	res, err := h.predictor.Predict(img)
	if err != nil {
		h.logger.Error("推理失败", "file", fh.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "推理失败"})
		return nil, false
	}
	return res, true
}
