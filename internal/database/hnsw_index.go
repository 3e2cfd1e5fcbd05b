package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	IdentityCount int64     `json:"identity_count"`
	MaxIdentityID int64     `json:"max_identity_id"`
	Dim           int       `json:"dim"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 1

// ErrIndexNotInitialized is returned by Search before anything was added or loaded.
var ErrIndexNotInitialized = errors.New("index not initialized")

// HNSWIndex is an approximate nearest-neighbour index over identity encodings.
// Distances are Euclidean, matching the exact matcher.
type HNSWIndex struct {
	graph *hnsw.Graph[int64]
	dim   int
	maxID int64
	mu    sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build replaces the index contents with the given encodings.
func (h *HNSWIndex) Build(encodings map[int64][]float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dim = 0
	h.maxID = 0
	if len(encodings) == 0 {
		return nil
	}

	g := newGraph()
	for id, enc := range encodings {
		if len(enc) == 0 {
			continue
		}
		if h.dim == 0 {
			h.dim = len(enc)
		} else if len(enc) != h.dim {
			return fmt.Errorf("identity %d: encoding dimension %d, index dimension %d", id, len(enc), h.dim)
		}
		g.Add(hnsw.MakeNode(id, enc))
		h.maxID = max(h.maxID, id)
	}
	h.graph = g
	return nil
}

// Add inserts a single encoding.
func (h *HNSWIndex) Add(id int64, encoding []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(encoding) == 0 {
		return nil
	}
	if h.graph == nil {
		h.graph = newGraph()
		h.dim = len(encoding)
	}
	if len(encoding) != h.dim {
		return fmt.Errorf("identity %d: encoding dimension %d, index dimension %d", id, len(encoding), h.dim)
	}

	h.graph.Add(hnsw.MakeNode(id, encoding))
	h.maxID = max(h.maxID, id)
	return nil
}

// Search finds the k nearest identities to the query encoding.
// Returns identity IDs and their Euclidean distances, nearest first.
func (h *HNSWIndex) Search(query []float32, k int) ([]int64, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, nil, ErrIndexNotInitialized
	}
	if len(query) != h.dim {
		return nil, nil, fmt.Errorf("query dimension %d, index dimension %d", len(query), h.dim)
	}

	neighbors := h.graph.Search(query, k)
	ids := make([]int64, len(neighbors))
	distances := make([]float64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
		distances[i] = EuclideanDistance(query, n.Value)
	}
	return ids, distances, nil
}

// Count returns the number of indexed identities.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.graph == nil {
		return 0
	}
	return h.graph.Len()
}

// Metadata describes the current index contents.
func (h *HNSWIndex) Metadata() HNSWIndexMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var count int64
	if h.graph != nil {
		count = int64(h.graph.Len())
	}
	return HNSWIndexMetadata{
		IdentityCount: count,
		MaxIdentityID: h.maxID,
		Dim:           h.dim,
		BuildTime:     time.Now(),
		Version:       hnswMetadataVersion,
	}
}

// Save persists the index to path along with a .meta file used for staleness detection.
func (h *HNSWIndex) Save(path string) error {
	meta := h.Metadata()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	defer f.Close()

	if err := h.graph.Export(f); err != nil {
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load replaces the index with the graph stored at path.
func (h *HNSWIndex) Load(path string) error {
	meta, err := LoadHNSWMetadata(path)
	if err != nil {
		return err
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}
	saved.Distance = hnsw.EuclideanDistance

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = saved.Graph
	h.dim = meta.Dim
	h.maxID = meta.MaxIdentityID
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if metadata.Version != hnswMetadataVersion {
		return metadata, fmt.Errorf("unsupported index metadata version %d", metadata.Version)
	}
	return metadata, nil
}

// IsFresh reports whether a saved index still describes the registry.
func (m HNSWIndexMetadata) IsFresh(count int, dim int) bool {
	return m.IdentityCount == int64(count) && m.Dim == dim
}
