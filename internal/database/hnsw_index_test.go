package database

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"unit axis", []float32{0, 0}, []float32{1, 0}, 1},
		{"3-4-5", []float32{0, 0}, []float32{3, 4}, 5},
		{"empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EuclideanDistance(tt.a, tt.b), 1e-9)
		})
	}

	assert.True(t, math.IsInf(EuclideanDistance([]float32{1}, []float32{1, 2}), 1))
}

func gridEncodings(n int) map[int64][]float32 {
	encs := make(map[int64][]float32, n)
	for i := range n {
		encs[int64(i+1)] = []float32{float32(i), float32(i % 7), float32(i % 3)}
	}
	return encs
}

func TestHNSWIndex_SearchFindsExactVector(t *testing.T) {
	idx := NewHNSWIndex()
	require.NoError(t, idx.Build(gridEncodings(200)))
	assert.Equal(t, 200, idx.Count())

	ids, dists, err := idx.Search([]float32{42, 0, 0}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	assert.Equal(t, int64(43), ids[0])
	assert.InDelta(t, 0, dists[0], 1e-6)
}

func TestHNSWIndex_Uninitialized(t *testing.T) {
	idx := NewHNSWIndex()
	_, _, err := idx.Search([]float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, ErrIndexNotInitialized)
	assert.Equal(t, 0, idx.Count())
}

func TestHNSWIndex_DimensionChecks(t *testing.T) {
	idx := NewHNSWIndex()
	require.NoError(t, idx.Add(1, []float32{1, 2, 3}))

	assert.Error(t, idx.Add(2, []float32{1, 2}))
	_, _, err := idx.Search([]float32{1, 2}, 1)
	assert.Error(t, err)

	err = NewHNSWIndex().Build(map[int64][]float32{1: {1, 2}, 2: {1, 2, 3}})
	assert.Error(t, err)
}

func TestHNSWIndex_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.hnsw")

	idx := NewHNSWIndex()
	require.NoError(t, idx.Build(gridEncodings(50)))
	require.NoError(t, idx.Save(path))

	meta, err := LoadHNSWMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(50), meta.IdentityCount)
	assert.Equal(t, int64(50), meta.MaxIdentityID)
	assert.True(t, meta.IsFresh(50, 3))
	assert.False(t, meta.IsFresh(51, 3))

	loaded := NewHNSWIndex()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 50, loaded.Count())

	ids, _, err := loaded.Search([]float32{10, 3, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, ids)
}

func TestHNSWIndex_LoadMissing(t *testing.T) {
	err := NewHNSWIndex().Load(filepath.Join(t.TempDir(), "missing.hnsw"))
	assert.Error(t, err)
}

func TestAttendanceRecord_Clone(t *testing.T) {
	var nilRec *AttendanceRecord
	assert.Nil(t, nilRec.Clone())

	in := mustTime(t, "2026-03-01T08:00:00Z")
	rec := &AttendanceRecord{IdentityID: 1, Date: "2026-03-01", CheckIn: &in}
	c := rec.Clone()
	*c.CheckIn = c.CheckIn.Add(1)

	assert.Equal(t, in, *rec.CheckIn, "clone must not share timestamps")
	assert.Nil(t, c.CheckOut)
}
