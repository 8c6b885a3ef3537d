package httpcache

import (
	"bytes"
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"io"

	"github.com/peterbourgon/diskv/v3"
)

// diskTier is the persistent second tier behind Cache's memory LRU,
// grounded on _examples/mchtech-httpcache/diskcache/diskcache.go's
// diskv-backed Cache.
type diskTier interface {
	Load(key string) (*Document, bool)
	Store(key string, doc *Document)
	Delete(key string)
}

// DiskCache is a diskTier backed by diskv, addressing entries by the
// MD5 of the cache key exactly as diskcache.go's keyToFilename does.
type DiskCache struct {
	d *diskv.Diskv
}

// NewDiskCache returns a DiskCache storing files under basePath,
// bounded to maxBytes total (diskv's own LRU eviction, CacheSizeMax).
func NewDiskCache(basePath string, maxBytes uint64) *DiskCache {
	return &DiskCache{d: diskv.New(diskv.Options{
		BasePath:     basePath,
		CacheSizeMax: maxBytes,
	})}
}

func (c *DiskCache) Load(key string) (*Document, bool) {
	stream, err := c.d.ReadStream(keyToFilename(key), true)
	if err != nil {
		return nil, false
	}
	defer stream.Close()
	var doc Document
	if err := gob.NewDecoder(stream).Decode(&doc); err != nil {
		return nil, false
	}
	return &doc, true
}

func (c *DiskCache) Store(key string, doc *Document) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return
	}
	c.d.WriteStream(keyToFilename(key), &buf, true)
}

func (c *DiskCache) Delete(key string) {
	c.d.Erase(keyToFilename(key))
}

func keyToFilename(key string) string {
	h := md5.New()
	io.WriteString(h, key)
	return hex.EncodeToString(h.Sum(nil))
}
