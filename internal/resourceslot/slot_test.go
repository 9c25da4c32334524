package resourceslot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddComponentWise(t *testing.T) {
	a := New(map[string]int64{"cpu": 2, "mem": 1024})
	b := New(map[string]int64{"cpu": 1, "cuda.device": 1})

	sum := a.Add(b)

	assert.Equal(t, int64(3), sum["cpu"])
	assert.Equal(t, int64(1024), sum["mem"])
	assert.Equal(t, int64(1), sum["cuda.device"])
}

func TestAddInfinityAbsorbs(t *testing.T) {
	a := New(map[string]int64{"cpu": Infinity})
	b := New(map[string]int64{"cpu": 4})

	assert.Equal(t, Infinity, a.Add(b)["cpu"])
}

func TestSubUnderflowErrors(t *testing.T) {
	a := New(map[string]int64{"cpu": 1})
	b := New(map[string]int64{"cpu": 2})

	_, err := a.Sub(b)
	require.Error(t, err)
}

func TestSubHappyPath(t *testing.T) {
	a := New(map[string]int64{"cpu": 4, "mem": 100})
	b := New(map[string]int64{"cpu": 2})

	out, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out["cpu"])
	assert.Equal(t, int64(100), out["mem"])
}

func TestLessEqual(t *testing.T) {
	small := New(map[string]int64{"cpu": 2})
	big := New(map[string]int64{"cpu": 4, "mem": 1024})

	assert.True(t, small.LessEqual(big))
	assert.False(t, big.LessEqual(small))
}

func TestLessEqualInfinity(t *testing.T) {
	req := New(map[string]int64{"cpu": 1000})
	cap := New(map[string]int64{"cpu": Infinity})

	assert.True(t, req.LessEqual(cap))
}

func TestFits(t *testing.T) {
	total := New(map[string]int64{"cpu": 4, "mem": 8192})
	occupied := New(map[string]int64{"cpu": 2, "mem": 4096})
	requested := New(map[string]int64{"cpu": 2, "mem": 2048})

	assert.True(t, Fits(requested, occupied, total))

	tooBig := New(map[string]int64{"cpu": 3})
	assert.False(t, Fits(tooBig, occupied, total))
}

func TestFreeClampsAtZero(t *testing.T) {
	total := New(map[string]int64{"cpu": 2})
	occupied := New(map[string]int64{"cpu": 3}) // transient over-allocation

	free := Free(total, occupied)
	assert.Equal(t, int64(0), free["cpu"])
}

func TestDominantShare(t *testing.T) {
	used := New(map[string]int64{"cpu": 4, "mem": 1024})
	total := New(map[string]int64{"cpu": 10, "mem": 10240})

	share := DominantShare(used, total)
	assert.InDelta(t, 0.4, share, 0.0001)
}

func TestDominantShareIgnoresInfiniteTotal(t *testing.T) {
	used := New(map[string]int64{"cpu": 4})
	total := New(map[string]int64{"cpu": Infinity})

	assert.Equal(t, 0.0, DominantShare(used, total))
}
