// Package memo 是按块缓存译文的持久化存储（bbolt 文件，msgpack 编码记录）。
//
// 每个语言对一个 bucket；键为 (源语言, 目标语言, 背景说明, 块 JSON) 的 xxhash64 摘要。
// 记录保留块 JSON 与背景说明原文，摘要碰撞时按未命中处理。
package memo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// Key 描述一次块翻译请求。
type Key struct {
	SourceLang string
	TargetLang string
	// Model: provider 与模型，如 "openai/gpt-4o-mini"；不同模型的译文互不复用
	Model    string
	Guidance string
	Chunk    string // 发送给 LLM 的块 JSON
}

type record struct {
	Chunk     string `msgpack:"c"`
	Guidance  string `msgpack:"g"`
	Model     string `msgpack:"m"`
	Result    string `msgpack:"r"`
	CreatedAt int64  `msgpack:"t"`
}

// Store 为 nil 时所有操作都是空操作（Get 总是未命中）。
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open 打开（必要时创建）path 处的 memo 文件；path 为空返回 nil Store。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memo: mkdir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("memo: open %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭底层文件。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func bucketName(k Key) []byte {
	return []byte(k.SourceLang + "\x1f" + k.TargetLang)
}

// Digest 返回 8 字节大端摘要，作为 bucket 内的键。
func Digest(k Key) []byte {
	d := xxhash.New()
	for _, part := range []string{k.SourceLang, k.TargetLang, k.Model, k.Guidance, k.Chunk} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], d.Sum64())
	return out[:]
}

// Get 查找已缓存译文（块 JSON）。
func (s *Store) Get(k Key) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	var rec record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(k))
		if b == nil {
			return nil
		}
		raw := b.Get(Digest(k))
		if raw == nil {
			return nil
		}
		if err := decode(raw, &rec); err != nil {
			return err
		}
		found = rec.Chunk == k.Chunk && rec.Guidance == k.Guidance && rec.Model == k.Model
		return nil
	})
	if err != nil || !found {
		return "", false, err
	}
	return rec.Result, true, nil
}

// Put 写入（覆盖）一条译文。
func (s *Store) Put(k Key, result string) error {
	if s == nil {
		return nil
	}
	raw, err := encode(record{Chunk: k.Chunk, Guidance: k.Guidance, Model: k.Model, Result: result, CreatedAt: s.now().Unix()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(k))
		if err != nil {
			return err
		}
		return b.Put(Digest(k), raw)
	})
}

// Count 返回某语言对已缓存的块数。
func (s *Store) Count(sourceLang, targetLang string) (int, error) {
	if s == nil {
		return 0, nil
	}
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(Key{SourceLang: sourceLang, TargetLang: targetLang}))
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Purge 删除某语言对的全部记录。
func (s *Store) Purge(sourceLang, targetLang string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(bucketName(Key{SourceLang: sourceLang, TargetLang: targetLang}))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func encode(rec record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.ResetDict(&buf, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(&rec)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("memo: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, rec *record) error {
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(rec)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("memo: decode: %w", err)
	}
	return nil
}
