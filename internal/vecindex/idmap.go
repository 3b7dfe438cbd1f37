package vecindex

import (
	"encoding/json"
	"fmt"
	"os"
)

const idMapVersion = 1

// IDMap maps index slots to document ids. Entry i belongs to slot i, so the
// map must be appended in the same order vectors are inserted.
type IDMap struct {
	ids []int64
}

type idMapFile struct {
	Version int     `json:"version"`
	Count   int     `json:"count"`
	IDs     []int64 `json:"ids"`
}

// NewIDMap creates an empty map.
func NewIDMap() *IDMap {
	return &IDMap{}
}

// Append adds ids for the next slots.
func (m *IDMap) Append(ids ...int64) {
	m.ids = append(m.ids, ids...)
}

// Resolve returns the document id stored for slot.
func (m *IDMap) Resolve(slot int) (int64, error) {
	if slot < 0 || slot >= len(m.ids) {
		return 0, fmt.Errorf("%w: slot %d (map has %d entries)", ErrSlotNotFound, slot, len(m.ids))
	}
	return m.ids[slot], nil
}

// Len returns the number of slots in the map.
func (m *IDMap) Len() int {
	return len(m.ids)
}

// IDs returns a copy of the id list in slot order.
func (m *IDMap) IDs() []int64 {
	out := make([]int64, len(m.ids))
	copy(out, m.ids)
	return out
}

func (m *IDMap) MarshalJSON() ([]byte, error) {
	ids := m.ids
	if ids == nil {
		ids = []int64{}
	}
	return json.Marshal(idMapFile{Version: idMapVersion, Count: len(ids), IDs: ids})
}

// UnmarshalIDMap parses a map written by MarshalJSON.
func UnmarshalIDMap(data []byte) (*IDMap, error) {
	var f idMapFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: id map: %v", ErrCorruptIndex, err)
	}
	if f.Version != idMapVersion {
		return nil, fmt.Errorf("%w: unsupported id map version %d", ErrCorruptIndex, f.Version)
	}
	if f.Count != len(f.IDs) {
		return nil, fmt.Errorf("%w: id map declares %d entries, has %d", ErrCorruptIndex, f.Count, len(f.IDs))
	}
	return &IDMap{ids: f.IDs}, nil
}

// Save writes the map to path atomically.
func (m *IDMap) Save(path string) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadIDMap reads a map written by Save.
func LoadIDMap(path string) (*IDMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read id map: %w", err)
	}
	return UnmarshalIDMap(data)
}
