// internal/cache/compression.go
package cache

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pools for the brotli codecs; entries are compressed on every store and
// decompressed on every hit.
var (
	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
	emptyReader = strings.NewReader("")
)

// codec compresses cache entries at rest.
type codec struct {
	level   int
	writers sync.Pool
}

func newCodec(level int) *codec {
	level = min(max(level, brotli.BestSpeed), brotli.BestCompression)
	c := &codec{level: level}
	c.writers.New = func() interface{} {
		return brotli.NewWriterLevel(io.Discard, c.level)
	}
	return c
}

func (c *codec) compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := c.writers.Get().(*brotli.Writer)
	defer c.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *codec) decompress(packed []byte) ([]byte, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	defer func() {
		_ = br.Reset(emptyReader)
		brotliReaderPool.Put(br)
	}()
	if err := br.Reset(bytes.NewReader(packed)); err != nil {
		return nil, fmt.Errorf("brotli initialization error: %w", err)
	}
	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("brotli read: %w", err)
	}
	return raw, nil
}
