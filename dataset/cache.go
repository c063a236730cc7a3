package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	apperrors "eda-agent/errors"

	lru "github.com/hashicorp/golang-lru"
)

// Cache keeps parsed datasets keyed by the sha256 of their bytes so that
// re-uploading the same file does not parse it again.
type Cache struct {
	entries *lru.Cache
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}
	return &Cache{entries: c}, nil
}

// Load parses r, reusing a cached Dataset when the same bytes were parsed
// before. A cached dataset keeps the name it was first uploaded with unless
// name differs, in which case a renamed copy is returned.
func (c *Cache) Load(name string, r io.Reader) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidCSV, "read %s: %v", name, err)
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	if v, ok := c.entries.Get(key); ok {
		ds := v.(*Dataset)
		if ds.name == name {
			return ds, nil
		}
		renamed := *ds
		renamed.name = name
		return &renamed, nil
	}

	ds, err := parseBytes(name, raw)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, ds)
	return ds, nil
}

func (c *Cache) Len() int { return c.entries.Len() }
