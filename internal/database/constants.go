package database

// HNSW index parameters for face encodings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// so that the exact distance pass still sees the true nearest neighbours.
	HNSWSearchMultiplier = 3

	// HNSWMinCandidates is the floor on candidates handed to the exact matcher.
	HNSWMinCandidates = 32
)

// Query limits
const (
	// DefaultAttendanceHistoryLimit is used when a caller passes no limit.
	DefaultAttendanceHistoryLimit = 30

	// MaxAttendanceHistoryLimit caps a single history query.
	MaxAttendanceHistoryLimit = 365

	// DefaultDetectionHistoryLimit is used when a caller passes no limit.
	DefaultDetectionHistoryLimit = 50

	// MaxDetectionHistoryLimit caps a single detection history query.
	MaxDetectionHistoryLimit = 500
)
