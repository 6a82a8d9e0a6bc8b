// Package filesystem 把译文文档原子地写入本地文件系统。
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"llmkvt/pkg/contract"
)

// Options 均可选。
type Options struct {
	// Root: 输出根目录。为空时 ArtifactID 即目标路径（可为绝对路径）；
	// 非空时 ArtifactID 必须是 Root 下的相对路径，越界返回 ErrPathInvalid。
	Root string `json:"root"`
	// Atomic: 同目录临时文件 + rename。默认 true。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

type FS struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建文件系统 Writer。
func New(opts *Options) *FS {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	w := &FS{root: strings.TrimSpace(o.Root), atomic: true, permF: o.PermFile, permD: o.PermDir, bufSize: o.BufSize}
	if o.Atomic != nil {
		w.atomic = *o.Atomic
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	if w.bufSize <= 0 {
		w.bufSize = 64 * 1024
	}
	return w
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节写入 id 对应的目标路径，按需创建父目录。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// mapPath: Clean；有 Root 时拒绝绝对路径、卷名与父级逃逸。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if rel == "." || rel == "" || strings.HasSuffix(string(id), "/") {
		return "", fmt.Errorf("%w: %q", contract.ErrPathInvalid, id)
	}
	if w.root == "" {
		return rel, nil
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" ||
		rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", contract.ErrPathInvalid, id, w.root)
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Chmod(tmpPath, w.permF)
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err = io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = osReplace(tmpPath, dest); err != nil {
		return err
	}
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 每次 Read 前检查 ctx。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
