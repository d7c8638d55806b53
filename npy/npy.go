// Package npy 读写 NumPy .npy 格式的 float32 张量
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

// ErrFormat 文件不是支持的 .npy 格式
var ErrFormat = errors.New("不支持的 npy 格式")

// Write 以 v1.0 格式写入 little-endian float32 (C 顺序) 张量
//
// # Params:
//
//	w: 写入目标
//	shape: 张量形状
//	data: 按 C 顺序展开的数据
func Write(w io.Writer, shape []int, data []float32) error {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("形状 %v 含有负数维度", shape)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("形状 %v 与数据长度 %d 不一致", shape, len(data))
	}

	header := headerDict(shape)
	// magic(6) + version(2) + headerLen(2) + header + '\n', 按 64 字节对齐
	total := len(magic) + 4 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy 头部过长: %d 字节", len(header))
	}

	bw := bufio.NewWriter(w)
	bw.Write(magic)
	bw.Write([]byte{1, 0})
	binary.Write(bw, binary.LittleEndian, uint16(len(header)))
	bw.WriteString(header)

	buf := make([]byte, 4)
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("写入 npy 数据失败: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("写入 npy 数据失败: %w", err)
	}
	return nil
}

// WriteFile 写入 .npy 文件
func WriteFile(path string, shape []int, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	if err := Write(f, shape, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func headerDict(shape []int) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	// 一维元组需要尾随逗号
	if len(shape) == 1 {
		tuple += ","
	}
	return fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", tuple)
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// readChunk Read 每次解码的元素个数
const readChunk = 1 << 16

// Read 读取 little-endian float32 (C 顺序) 张量, 支持 v1.0 / v2.0 头部
func Read(r io.Reader) ([]int, []float32, error) {
	br := bufio.NewReader(r)

	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, nil, fmt.Errorf("%w: magic 不匹配", ErrFormat)
	}

	var headerLen int
	switch major := pre[len(magic)]; major {
	case 1:
		var l uint16
		if err := binary.Read(br, binary.LittleEndian, &l); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		headerLen = int(l)
	case 2:
		var l uint32
		if err := binary.Read(br, binary.LittleEndian, &l); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		headerLen = int(l)
	default:
		return nil, nil, fmt.Errorf("%w: 版本 %d", ErrFormat, major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	shape, err := parseHeader(string(header))
	if err != nil {
		return nil, nil, err
	}

	n := 1
	for _, d := range shape {
		if d != 0 && n > math.MaxInt/4/d {
			return nil, nil, fmt.Errorf("%w: 形状 %v 过大", ErrFormat, shape)
		}
		n *= d
	}

	// 按块读取, 数据不完整时不会按头部声明的长度预先分配
	data := make([]float32, 0, min(n, readChunk))
	buf := make([]byte, 4*readChunk)
	for len(data) < n {
		raw := buf[:4*min(n-len(data), readChunk)]
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, nil, fmt.Errorf("%w: 数据不完整: %v", ErrFormat, err)
		}
		for i := 0; i < len(raw); i += 4 {
			data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
		}
	}
	return shape, data, nil
}

// ReadFile 读取 .npy 文件
func ReadFile(path string) ([]int, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	return Read(f)
}

func parseHeader(h string) ([]int, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil || m[1] != "<f4" {
		return nil, fmt.Errorf("%w: 仅支持 <f4, 头部为 %q", ErrFormat, h)
	}
	if m := fortranRe.FindStringSubmatch(h); m == nil || m[1] != "False" {
		return nil, fmt.Errorf("%w: 仅支持 C 顺序", ErrFormat)
	}
	m = shapeRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("%w: 缺少 shape", ErrFormat)
	}

	shape := []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: shape 维度 %q 不合法", ErrFormat, part)
		}
		shape = append(shape, d)
	}
	return shape, nil
}
