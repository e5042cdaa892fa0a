package compiler

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const diskExt = ".js.zst"

// diskCache persists wrapped handler source, zstd-compressed, keyed by
// content hash. Compiled programs are not serializable, so a disk hit costs
// one recompile but skips hashing and wrapping, and it survives restarts.
// All operations are best-effort; a broken disk tier degrades to misses.
type diskCache struct {
	dir      string
	maxBytes uint64
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newDiskCache(dir string, maxBytes uint64) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &diskCache{dir: dir, maxBytes: maxBytes, enc: enc, dec: dec}, nil
}

func (d *diskCache) path(key string) string {
	return filepath.Join(d.dir, key+diskExt)
}

// get returns the wrapped source for a key, if present.
func (d *diskCache) get(key string) (string, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return "", false
	}
	src, err := d.dec.DecodeAll(data, nil)
	if err != nil {
		// Corrupt entry; drop it.
		os.Remove(d.path(key))
		return "", false
	}
	return string(src), true
}

// put stores the wrapped source and prunes to the byte budget.
func (d *diskCache) put(key, wrapped string) {
	compressed := d.enc.EncodeAll([]byte(wrapped), nil)
	if err := os.WriteFile(d.path(key), compressed, 0o644); err != nil {
		return
	}
	d.prune()
}

// prune deletes oldest-modified entries until the tier fits its budget.
func (d *diskCache) prune() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}

	type fileInfo struct {
		path string
		size uint64
		mod  int64
	}

	var files []fileInfo
	var total uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path: filepath.Join(d.dir, e.Name()),
			size: uint64(info.Size()),
			mod:  info.ModTime().UnixNano(),
		})
		total += uint64(info.Size())
	}

	if total <= d.maxBytes {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	for _, f := range files {
		if total <= d.maxBytes {
			break
		}
		if os.Remove(f.path) == nil {
			total -= f.size
		}
	}
}

// clear removes every cached entry.
func (d *diskCache) clear() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(d.dir, e.Name()))
		}
	}
}
