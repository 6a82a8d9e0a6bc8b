// Package filesystem 从本地文件系统与 STDIN 读取源文档。
package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llmkvt/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 递归目录时跳过的目录基名（大小写不敏感），例如 [".git","node_modules"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 递归目录时只产出这些扩展名的文件（含点，大小写不敏感）；为空不过滤。
	// 显式给出的单文件 root 不受影响。
	Extensions []string `json:"extensions"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       map[string]struct{}
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.BufSize <= 0 {
		o.BufSize = 64 * 1024
	}
	return &FileSystem{bufSize: o.BufSize, excludeDir: lowerSet(o.ExcludeDirNames), exts: lowerSet(o.Extensions)}
}

func lowerSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			m[strings.ToLower(n)] = struct{}{}
		}
	}
	return m
}

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield。
// roots 为空或仅为 "-" 时读取 STDIN（FileID 为 "stdin"）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.FileID("stdin"), newBufferedCloser(os.Stdin, r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("%w: stdin '-' cannot be mixed with other roots", contract.ErrInvalidInput)
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

// Open 打开单个常规文件；不存在时错误满足 errors.Is(err, fs.ErrNotExist)。
func (r *FileSystem) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", contract.ErrPathInvalid, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newBufferedCloser(f, r.bufSize), nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	// 符号链接只跟随到常规文件；指向目录时忽略
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.emit(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.emit(root, yield)
}

func (r *FileSystem) emit(path string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(path), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

func (r *FileSystem) wanted(name string) bool {
	if len(r.exts) == 0 {
		return true
	}
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// walkDir: 字典序；先子目录后文件。
func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.wanted(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		info, err := os.Stat(p) // 跟随符号链接
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && e.Type()&os.ModeSymlink != 0 {
				return fmt.Errorf("dangling symlink %s: %w", p, err)
			}
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := r.emit(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

var _ contract.Reader = (*FileSystem)(nil)
