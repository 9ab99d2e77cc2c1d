package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

const (
	IndexFile = "index.bin"
	MapFile   = "id_map.bin"

	indexMagic    = "KBIX"
	mapMagic      = "KBIM"
	formatVersion = uint16(1)
)

// ErrCorrupt is returned by Load when the artifacts cannot be trusted.
var ErrCorrupt = kberr.ErrIndexCorrupt

// Persister reads and writes the index and id map as one unit. Both files
// carry the same generation number; a pair whose generations differ was
// torn by a crash between the two renames and is rejected.
type Persister struct {
	dir        string
	generation atomic.Uint64
}

func NewPersister(dir string) *Persister {
	return &Persister{dir: dir}
}

func (p *Persister) Dir() string { return p.dir }

// Generation is the generation of the last pair loaded or saved.
func (p *Persister) Generation() uint64 { return p.generation.Load() }

// Exists reports whether either artifact is present.
func (p *Persister) Exists() bool {
	for _, name := range []string{IndexFile, MapFile} {
		if _, err := os.Stat(filepath.Join(p.dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Load reads both artifacts. When neither exists it returns a nil index and
// an empty map. Any inconsistency yields an error matching ErrCorrupt.
func (p *Persister) Load() (*Flat, *IDMap, error) {
	indexData, indexErr := os.ReadFile(filepath.Join(p.dir, IndexFile))
	mapData, mapErr := os.ReadFile(filepath.Join(p.dir, MapFile))

	switch {
	case errors.Is(indexErr, os.ErrNotExist) && errors.Is(mapErr, os.ErrNotExist):
		return nil, NewIDMap(), nil
	case indexErr != nil:
		return nil, nil, corrupt("reading "+IndexFile, indexErr)
	case mapErr != nil:
		return nil, nil, corrupt("reading "+MapFile, mapErr)
	}

	flat, indexGen, err := decodeIndex(indexData)
	if err != nil {
		return nil, nil, corrupt(IndexFile, err)
	}
	idmap, mapGen, err := decodeMap(mapData)
	if err != nil {
		return nil, nil, corrupt(MapFile, err)
	}
	if indexGen != mapGen {
		return nil, nil, corrupt("generation", fmt.Errorf("index is %d, map is %d", indexGen, mapGen))
	}
	if flat.Len() != idmap.Len() {
		return nil, nil, corrupt("entries", fmt.Errorf("index has %d, map has %d", flat.Len(), idmap.Len()))
	}
	for _, id := range flat.IDs() {
		if _, ok := idmap.Lookup(id); !ok {
			return nil, nil, corrupt("entries", fmt.Errorf("id %d has no mapping", id))
		}
	}

	p.generation.Store(indexGen)
	if flat.Dim() == 0 {
		flat = nil
	}
	return flat, idmap, nil
}

// Save writes both artifacts under a new generation. Each is written to a
// temporary file and synced before either is renamed into place.
func (p *Persister) Save(flat *Flat, idmap *IDMap) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return kberr.Wrap(err, kberr.CodeIndexPersistFailure, "creating index directory")
	}
	if flat == nil {
		flat = NewFlat(0)
	}
	gen := p.generation.Load() + 1

	indexTmp := filepath.Join(p.dir, IndexFile+".tmp")
	mapTmp := filepath.Join(p.dir, MapFile+".tmp")
	defer os.Remove(indexTmp)
	defer os.Remove(mapTmp)

	if err := writeSynced(indexTmp, func(w io.Writer) error { return encodeIndex(w, flat, gen) }); err != nil {
		return kberr.Wrap(err, kberr.CodeIndexPersistFailure, "writing "+IndexFile)
	}
	if err := writeSynced(mapTmp, func(w io.Writer) error { return encodeMap(w, idmap, gen) }); err != nil {
		return kberr.Wrap(err, kberr.CodeIndexPersistFailure, "writing "+MapFile)
	}
	if err := os.Rename(indexTmp, filepath.Join(p.dir, IndexFile)); err != nil {
		return kberr.Wrap(err, kberr.CodeIndexPersistFailure, "installing "+IndexFile)
	}
	if err := os.Rename(mapTmp, filepath.Join(p.dir, MapFile)); err != nil {
		return kberr.Wrap(err, kberr.CodeIndexPersistFailure, "installing "+MapFile)
	}
	syncDir(p.dir)

	p.generation.Store(gen)
	return nil
}

// Discard removes both artifacts.
func (p *Persister) Discard() error {
	var errs []error
	for _, name := range []string{IndexFile, MapFile} {
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func corrupt(what string, err error) error {
	return kberr.Classify(ErrCorrupt, kberr.CodeIndexLoadCorrupt, err, what)
}

func writeSynced(path string, encode func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := encode(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// checksumWriter appends a CRC32 of everything written through it.
type checksumWriter struct {
	w   io.Writer
	crc uint32
	buf [8]byte
	err error
}

func (c *checksumWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	n, err := c.w.Write(p)
	c.err = err
	return n, err
}

func (c *checksumWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(c.buf[:2], v)
	c.Write(c.buf[:2])
}

func (c *checksumWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[:4], v)
	c.Write(c.buf[:4])
}

func (c *checksumWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[:8], v)
	c.Write(c.buf[:8])
}

func (c *checksumWriter) trailer() error {
	if c.err != nil {
		return c.err
	}
	binary.LittleEndian.PutUint32(c.buf[:4], c.crc)
	_, err := c.w.Write(c.buf[:4])
	return err
}

func encodeIndex(w io.Writer, flat *Flat, gen uint64) error {
	c := &checksumWriter{w: w}
	c.Write([]byte(indexMagic))
	c.u16(formatVersion)
	c.u64(gen)
	c.u32(uint32(flat.dim))
	c.u64(uint64(len(flat.ids)))
	for i, id := range flat.ids {
		c.u64(uint64(id))
		for _, x := range flat.data[i*flat.dim : (i+1)*flat.dim] {
			c.u32(math.Float32bits(x))
		}
	}
	return c.trailer()
}

func encodeMap(w io.Writer, m *IDMap, gen uint64) error {
	c := &checksumWriter{w: w}
	c.Write([]byte(mapMagic))
	c.u16(formatVersion)
	c.u64(gen)
	c.u64(uint64(m.next))
	entries := m.Entries()
	c.u64(uint64(len(entries)))
	for _, e := range entries {
		if len(e.Key.DocID) > math.MaxUint16 {
			return fmt.Errorf("doc id too long: %d bytes", len(e.Key.DocID))
		}
		c.u64(uint64(e.ID))
		c.u16(uint16(len(e.Key.DocID)))
		c.Write([]byte(e.Key.DocID))
		c.u32(uint32(e.Key.Offset))
	}
	return c.trailer()
}

// reader walks a checksummed artifact. Reads past the end set err.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(data []byte, magic string) (*reader, error) {
	if len(data) < len(magic)+2+4 {
		return nil, errors.New("truncated")
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errors.New("checksum mismatch")
	}
	r := &reader{b: body}
	if string(r.take(len(magic))) != magic {
		return nil, errors.New("bad magic")
	}
	if v := r.u16(); v != formatVersion {
		return nil, fmt.Errorf("unsupported version %d", v)
	}
	return r, nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = errors.New("truncated")
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%d trailing bytes", len(r.b)-r.off)
	}
	return nil
}

func decodeIndex(data []byte) (*Flat, uint64, error) {
	r, err := newReader(data, indexMagic)
	if err != nil {
		return nil, 0, err
	}
	gen := r.u64()
	dim := int(r.u32())
	count := r.u64()
	if r.err == nil && count > uint64(len(r.b)) {
		return nil, 0, fmt.Errorf("entry count %d exceeds file size", count)
	}

	flat := NewFlat(dim)
	vec := make([]float32, dim)
	for i := uint64(0); i < count && r.err == nil; i++ {
		id := int64(r.u64())
		for j := range vec {
			vec[j] = math.Float32frombits(r.u32())
		}
		if r.err != nil {
			break
		}
		if err := flat.Add([]int64{id}, [][]float32{vec}); err != nil {
			return nil, 0, err
		}
	}
	if err := r.done(); err != nil {
		return nil, 0, err
	}
	return flat, gen, nil
}

func decodeMap(data []byte) (*IDMap, uint64, error) {
	r, err := newReader(data, mapMagic)
	if err != nil {
		return nil, 0, err
	}
	gen := r.u64()
	next := int64(r.u64())
	count := r.u64()
	if r.err == nil && count > uint64(len(r.b)) {
		return nil, 0, fmt.Errorf("entry count %d exceeds file size", count)
	}

	m := NewIDMap()
	for i := uint64(0); i < count && r.err == nil; i++ {
		id := int64(r.u64())
		docID := string(r.take(int(r.u16())))
		offset := int(r.u32())
		if r.err != nil {
			break
		}
		if _, dup := m.Lookup(id); dup {
			return nil, 0, fmt.Errorf("id %d mapped twice", id)
		}
		m.Put(id, Key{DocID: docID, Offset: offset})
	}
	if err := r.done(); err != nil {
		return nil, 0, err
	}
	m.setNext(next)
	return m, gen, nil
}
