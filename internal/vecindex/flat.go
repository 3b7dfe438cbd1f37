// Package vecindex holds the exact nearest neighbour index, the slot to
// document id map and the manifest that commits both to disk together.
package vecindex

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
)

const (
	flatMagic   = "NRVX"
	flatVersion = 1
	headerSize  = 16 // magic + version + dim + count
)

// Neighbor is one search hit: the slot of a stored vector and its squared
// L2 distance to the query.
type Neighbor struct {
	Slot     int     `json:"slot"`
	Distance float32 `json:"distance"`
}

// Flat is an append-only exact L2 index. Slots are assigned in insertion
// order starting at 0 and never change. Search scans every vector, which is
// fine up to a few million vectors of a few hundred dimensions.
type Flat struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // size*dim, row major
}

// NewFlat creates an empty index for dim-sized vectors.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Dimensions returns the vector dimension of the index.
func (f *Flat) Dimensions() int {
	return f.dim
}

// Size returns the number of stored vectors.
func (f *Flat) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.data) / f.dim
}

// InsertBatch appends vectors in order. Nothing is inserted if any vector has
// the wrong dimension or a NaN or infinite component.
func (f *Flat) InsertBatch(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != f.dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(v), f.dim)
		}
		if !Finite(v) {
			return fmt.Errorf("%w: vector %d has a non-finite component", ErrInvalidVector, i)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range vectors {
		f.data = append(f.data, v...)
	}
	return nil
}

// Vector returns a copy of the vector stored at slot.
func (f *Flat) Vector(slot int) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if slot < 0 || slot >= len(f.data)/f.dim {
		return nil, false
	}
	out := make([]float32, f.dim)
	copy(out, f.data[slot*f.dim:(slot+1)*f.dim])
	return out, true
}

// Finite reports whether every component of v is a finite number.
func Finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// Search returns up to k nearest slots by squared L2 distance, closest first.
// Equal distances are ordered by slot. An index with fewer than k vectors
// returns all of them.
func (f *Flat) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), f.dim)
	}
	if !Finite(query) {
		return nil, fmt.Errorf("%w: query has a non-finite component", ErrInvalidVector)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	n := len(f.data) / f.dim
	if n == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return []Neighbor{}, nil
	}
	k = min(k, n)

	// bounded max-heap keeps the k best seen so far
	h := make(neighborHeap, 0, k)
	for slot := 0; slot < n; slot++ {
		d := squaredL2(query, f.data[slot*f.dim:(slot+1)*f.dim])
		if len(h) < k {
			heap.Push(&h, Neighbor{Slot: slot, Distance: d})
			continue
		}
		if d < h[0].Distance {
			h[0] = Neighbor{Slot: slot, Distance: d}
			heap.Fix(&h, 0)
		}
	}

	out := make([]Neighbor, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Neighbor)
	}
	return out, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// neighborHeap is a max-heap on (Distance, Slot).
type neighborHeap []Neighbor

func (h neighborHeap) Len() int { return len(h) }
func (h neighborHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].Slot > h[j].Slot
}
func (h neighborHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)   { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MarshalBinary stores: magic "NRVX", version(uint32), dim(uint32),
// count(uint32), then count*dim float32, all little endian, in slot order.
func (f *Flat) MarshalBinary() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buf := make([]byte, headerSize+4*len(f.data))
	copy(buf[0:4], flatMagic)
	binary.LittleEndian.PutUint32(buf[4:8], flatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.dim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(f.data)/f.dim))
	off := headerSize
	for _, v := range f.data {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	return buf, nil
}

// UnmarshalFlat restores an index and checks it against the expected
// dimension. Any inconsistency is ErrCorruptIndex.
func UnmarshalFlat(data []byte, dim int) (*Flat, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: index blob too short (%d bytes)", ErrCorruptIndex, len(data))
	}
	if !bytes.Equal(data[0:4], []byte(flatMagic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != flatVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrCorruptIndex, v)
	}
	storedDim := binary.LittleEndian.Uint32(data[8:12])
	count := binary.LittleEndian.Uint32(data[12:16])
	if storedDim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrCorruptIndex)
	}
	if dim > 0 && int(storedDim) != dim {
		return nil, fmt.Errorf("%w: index has %d dimensions, model has %d", ErrCorruptIndex, storedDim, dim)
	}
	// dim*count cannot wrap in 64 bits, 4*dim*count can
	floats := uint64(storedDim) * uint64(count)
	body := len(data) - headerSize
	if body%4 != 0 || uint64(body/4) != floats {
		return nil, fmt.Errorf("%w: %d vectors of %d dimensions do not fit %d bytes", ErrCorruptIndex, count, storedDim, len(data))
	}

	f := &Flat{dim: int(storedDim), data: make([]float32, int(storedDim)*int(count))}
	off := headerSize
	for i := range f.data {
		f.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	if !Finite(f.data) {
		return nil, fmt.Errorf("%w: index holds a non-finite vector", ErrCorruptIndex)
	}
	return f, nil
}

// Save writes the index to path, replacing any existing file atomically.
func (f *Flat) Save(path string) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadFlat reads an index written by Save. dim is the configured model
// dimension; a different stored dimension is ErrCorruptIndex.
func LoadFlat(path string, dim int) (*Flat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return UnmarshalFlat(data, dim)
}
