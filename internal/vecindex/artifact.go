package vecindex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	ManifestFile  = "manifest.json"
	BuildsDir     = "builds"
	IndexFileName = "index.bin"
	IDMapFileName = "ids.json"

	manifestVersion = 1
)

// Manifest describes the committed build. Replacing manifest.json is the only
// step that makes a new index and id map visible, so readers always see a
// matching pair.
type Manifest struct {
	Version     int       `json:"version"`
	BuildID     string    `json:"build_id"`
	CreatedAt   time.Time `json:"created_at"`
	Model       string    `json:"model"`
	Dimensions  int       `json:"dimensions"`
	Count       int       `json:"count"`
	IndexFile   string    `json:"index_file"`
	IndexSHA256 string    `json:"index_sha256"`
	IDMapFile   string    `json:"ids_file"`
	IDMapSHA256 string    `json:"ids_sha256"`
}

// Snapshot is a verified, immutable index/id map pair.
type Snapshot struct {
	Index    *Flat
	IDs      *IDMap
	Manifest *Manifest
}

// Size returns the number of vectors in the snapshot.
func (s *Snapshot) Size() int {
	if s == nil || s.Index == nil {
		return 0
	}
	return s.Index.Size()
}

// BuildID returns the committed build id, or "" for an empty snapshot.
func (s *Snapshot) BuildID() string {
	if s == nil || s.Manifest == nil {
		return ""
	}
	return s.Manifest.BuildID
}

// Expect is what Open checks a committed build against.
type Expect struct {
	Dimensions int
	Model      string // empty skips the model check
}

// Commit writes a new build under dir and switches the manifest to it.
// The previous build is kept; older ones are pruned.
func Commit(dir string, idx *Flat, ids *IDMap, model string) (*Manifest, error) {
	if idx.Size() != ids.Len() {
		return nil, fmt.Errorf("index has %d vectors but id map has %d entries", idx.Size(), ids.Len())
	}

	indexData, err := idx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	idsData, err := ids.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode id map: %w", err)
	}

	// a missing or broken manifest has no previous build worth keeping
	previous, _ := ReadManifest(dir)

	buildID := uuid.NewString()
	buildRel := filepath.Join(BuildsDir, buildID)
	if err := os.MkdirAll(filepath.Join(dir, buildRel), 0755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}

	m := &Manifest{
		Version:     manifestVersion,
		BuildID:     buildID,
		CreatedAt:   time.Now().UTC(),
		Model:       model,
		Dimensions:  idx.Dimensions(),
		Count:       idx.Size(),
		IndexFile:   filepath.ToSlash(filepath.Join(buildRel, IndexFileName)),
		IndexSHA256: checksum(indexData),
		IDMapFile:   filepath.ToSlash(filepath.Join(buildRel, IDMapFileName)),
		IDMapSHA256: checksum(idsData),
	}

	if err := writeFileAtomic(filepath.Join(dir, m.IndexFile), indexData); err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, m.IDMapFile), idsData); err != nil {
		return nil, fmt.Errorf("failed to write id map: %w", err)
	}

	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, ManifestFile), manifestData); err != nil {
		return nil, fmt.Errorf("failed to commit manifest: %w", err)
	}

	keep := map[string]bool{buildID: true}
	if previous != nil {
		keep[previous.BuildID] = true
	}
	pruneBuilds(dir, keep)

	return m, nil
}

// ReadManifest reads dir/manifest.json without touching the build files.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoArtifacts
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorruptIndex, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", ErrCorruptIndex, m.Version)
	}
	return &m, nil
}

// Open loads and verifies the committed build in dir. It returns
// ErrNoArtifacts when nothing has been committed yet and ErrCorruptIndex
// when checksums, dimensions or counts disagree.
func Open(dir string, want Expect) (*Snapshot, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if want.Dimensions > 0 && m.Dimensions != want.Dimensions {
		return nil, fmt.Errorf("%w: build %s has %d dimensions, model has %d", ErrCorruptIndex, m.BuildID, m.Dimensions, want.Dimensions)
	}
	if want.Model != "" && m.Model != want.Model {
		return nil, fmt.Errorf("%w: build %s was embedded with %q, configured model is %q", ErrCorruptIndex, m.BuildID, m.Model, want.Model)
	}

	indexData, err := readVerified(dir, m.IndexFile, m.IndexSHA256)
	if err != nil {
		return nil, err
	}
	idsData, err := readVerified(dir, m.IDMapFile, m.IDMapSHA256)
	if err != nil {
		return nil, err
	}

	idx, err := UnmarshalFlat(indexData, m.Dimensions)
	if err != nil {
		return nil, err
	}
	ids, err := UnmarshalIDMap(idsData)
	if err != nil {
		return nil, err
	}
	if idx.Size() != m.Count || ids.Len() != m.Count {
		return nil, fmt.Errorf("%w: manifest count %d, index %d, id map %d", ErrCorruptIndex, m.Count, idx.Size(), ids.Len())
	}

	return &Snapshot{Index: idx, IDs: ids, Manifest: m}, nil
}

func readVerified(dir, rel, sum string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, rel, err)
	}
	if got := checksum(data); got != sum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptIndex, rel)
	}
	return data, nil
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func pruneBuilds(dir string, keep map[string]bool) {
	entries, err := os.ReadDir(filepath.Join(dir, BuildsDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		_ = os.RemoveAll(filepath.Join(dir, BuildsDir, e.Name()))
	}
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
