// Package srtfmt 将 SRT 字幕映射为扁平文档：键为“序号行\n时间轴行”，值为字幕文本（多行以 \n 连接）。
package srtfmt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"llmkvt/pkg/contract"
)

// Options: SRT 格式选项。
type Options struct {
	// MaxFragmentBytes: 单条字幕文本最大字节数，0 表示不限制。
	MaxFragmentBytes int `json:"max_fragment_bytes"`
}

// Format 实现 contract.Format。
type Format struct {
	maxBytes int
}

// New 创建 SRT 格式适配器。
func New(opts *Options) *Format {
	f := &Format{}
	if opts != nil && opts.MaxFragmentBytes > 0 {
		f.maxBytes = opts.MaxFragmentBytes
	}
	return f
}

var timeLineRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}[,.]\d{3} --> \d{2}:\d{2}:\d{2}[,.]\d{3}`)

// Key 由序号行与时间轴行组成条目键。
func Key(seq, timing string) string { return seq + "\n" + timing }

// Parse 逐块读取：序号行、时间轴行、文本若干行，空行结束。
func (f *Format) Parse(src []byte) (*contract.Document, error) {
	src = bytes.TrimPrefix(src, []byte("\xef\xbb\xbf"))
	br := bufio.NewReader(bytes.NewReader(src))
	doc := contract.NewDocument(0)
	for {
		seq, eof, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if eof {
			break
		}
		seq = strings.TrimSpace(seq)
		if seq == "" {
			continue
		}
		if _, err := strconv.Atoi(seq); err != nil {
			return nil, fmt.Errorf("srt: %w: invalid sequence line %q", contract.ErrMalformedDocument, seq)
		}
		timing, _, err := readLine(br)
		if err != nil {
			return nil, err
		}
		timing = strings.TrimSpace(timing)
		if !timeLineRe.MatchString(timing) {
			return nil, fmt.Errorf("srt: %w: invalid time line %q", contract.ErrMalformedDocument, timing)
		}
		var texts []string
		for {
			line, _, err := readLine(br)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(line) == "" {
				break
			}
			texts = append(texts, line)
		}
		text := strings.Join(texts, "\n")
		if !utf8.ValidString(text) {
			return nil, fmt.Errorf("srt: %w: invalid UTF-8 in block %s", contract.ErrMalformedDocument, seq)
		}
		if f.maxBytes > 0 && len(text) > f.maxBytes {
			return nil, fmt.Errorf("srt: %w: block %s is %d bytes, limit %d", contract.ErrMalformedDocument, seq, len(text), f.maxBytes)
		}
		key := Key(seq, timing)
		if doc.Has(key) {
			return nil, fmt.Errorf("srt: %w: duplicate block %s", contract.ErrMalformedDocument, seq)
		}
		doc.SetText(key, text)
	}
	return doc, nil
}

// Serialize 按文档顺序输出字幕块，块间空一行。
func (f *Format) Serialize(doc *contract.Document, _ contract.SerializeOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("srt: %w: nil document", contract.ErrMalformedDocument)
	}
	var buf bytes.Buffer
	var err error
	doc.Range(func(k string, n contract.Node) bool {
		if n.IsTree() || !strings.Contains(k, "\n") {
			err = fmt.Errorf("srt: %w: entry %q is not a subtitle block", contract.ErrMalformedDocument, k)
			return false
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(k)
		buf.WriteByte('\n')
		buf.WriteString(strings.TrimRight(n.Text, "\n"))
		buf.WriteByte('\n')
		return true
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readLine 读取一行并去掉行尾 \n 或 \r\n；eof 仅在读到末尾且无内容时为 true。
func readLine(br *bufio.Reader) (line string, eof bool, err error) {
	s, err := br.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", false, err
		}
		eof = true
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s, eof && s == "", nil
}

var _ contract.Format = (*Format)(nil)
