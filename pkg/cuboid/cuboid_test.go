package cuboid

import (
	"math/rand"
	"testing"

	"github.com/jhuapl-boss/spdb/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerosAreZero(t *testing.T) {
	c, err := Create(resource.Uint8, [3]int{10, 20, 16}, nil)
	require.NoError(t, err)
	assert.True(t, c.FromZeros())
	assert.False(t, c.IsNotZeros())
}

func TestOverwriteIdempotent(t *testing.T) {
	// S3: 16x20x10 u8 cuboid, all-ones, overwritten by a buffer with a
	// single 5 at [2,7,5] and zeros elsewhere.
	base, err := Create(resource.Uint8, [3]int{10, 20, 16}, nil)
	require.NoError(t, err)
	b := base.(*CuboidU8)
	for i := range b.data {
		b.data[i] = 1
	}

	patch, err := Create(resource.Uint8, [3]int{10, 20, 16}, nil)
	require.NoError(t, err)
	p := patch.(*CuboidU8)
	// patch dims are z=16,y=20,x=10; set index [z=2,y=7,x=5] = 5
	idx := 2*20*10 + 7*10 + 5
	p.data[idx] = 5

	require.NoError(t, base.Overwrite(patch, TimeRange{0, 1}))
	for i, v := range b.data {
		if i == idx {
			assert.Equal(t, uint8(5), v)
		} else {
			assert.Equal(t, uint8(1), v)
		}
	}

	// Applying the same overwrite again must be a no-op (idempotent).
	snapshot := append([]uint8(nil), b.data...)
	require.NoError(t, base.Overwrite(patch, TimeRange{0, 1}))
	assert.Equal(t, snapshot, b.data)
}

func TestDatatypeMismatch(t *testing.T) {
	a, _ := Create(resource.Uint8, [3]int{4, 4, 4}, nil)
	bWrong, _ := Create(resource.Uint16, [3]int{4, 4, 4}, nil)
	err := a.Overwrite(bWrong, TimeRange{0, 1})
	require.Error(t, err)
}

func TestTrimDoesNotAlias(t *testing.T) {
	c, err := Create(resource.Uint8, [3]int{8, 8, 8}, nil)
	require.NoError(t, err)
	u := c.(*CuboidU8)
	for i := range u.data {
		u.data[i] = uint8(i % 250)
	}
	original := u.data

	require.NoError(t, c.Trim(1, 2, 1, 2, 1, 2))
	assert.Equal(t, [3]int{2, 2, 2}, c.Dims())

	// Mutating the trimmed cuboid must not affect the original backing
	// array: trimmed voxel 0 came from original voxel (z=1,y=1,x=1).
	u.data[0] = 255
	assert.NotEqual(t, original[1*64+1*8+1], u.data[0])
}

func TestToFromBloscRoundTrip(t *testing.T) {
	c, err := Create(resource.Uint16, [3]int{4, 5, 6}, nil)
	require.NoError(t, err)
	c.Random(c.Dims(), TimeRange{0, 1}, rand.New(rand.NewSource(7)))

	blob, err := c.ToBlosc()
	require.NoError(t, err)

	out, err := Create(resource.Uint16, [3]int{4, 5, 6}, nil)
	require.NoError(t, err)
	require.NoError(t, out.FromBlosc([][]byte{blob}, TimeRange{0, 1}, nil))

	a := c.(*CuboidU16).data
	b := out.(*CuboidU16).data
	assert.Equal(t, a, b)
}

func TestFromBloscMissingTimeStep(t *testing.T) {
	// S4: compress time samples 0,1,3 of a 16x20x10 u8 cuboid; decode
	// [0,4) with missing=[2]; slice 2 must be all zeros.
	dims := [3]int{10, 20, 16} // x,y,z
	var blobs [][]byte
	var sources [3][]uint8
	for i := 0; i < 3; i++ {
		c, err := Create(resource.Uint8, dims, nil)
		require.NoError(t, err)
		c.Random(c.Dims(), TimeRange{0, 1}, rand.New(rand.NewSource(int64(i+1))))
		sources[i] = append([]uint8(nil), c.(*CuboidU8).data...)
		b, err := c.ToBlosc()
		require.NoError(t, err)
		blobs = append(blobs, b)
	}

	out, err := Create(resource.Uint8, dims, nil)
	require.NoError(t, err)
	require.NoError(t, out.FromBlosc(blobs, TimeRange{0, 4}, []int{2}))

	assert.Equal(t, TimeRange{0, 4}, out.TimeRange())
	o := out.(*CuboidU8)
	stride := o.Dims()[0] * o.Dims()[1] * o.Dims()[2]
	assert.Equal(t, sources[0], o.data[0*stride:1*stride])
	assert.Equal(t, sources[1], o.data[1*stride:2*stride])
	for _, v := range o.data[2*stride : 3*stride] {
		assert.Equal(t, uint8(0), v)
	}
	assert.Equal(t, sources[2], o.data[3*stride:4*stride])
}

func TestAddDataBounds(t *testing.T) {
	outer, err := Create(resource.Uint8, [3]int{16, 16, 16}, nil)
	require.NoError(t, err)
	inner, err := Create(resource.Uint8, [3]int{8, 8, 8}, nil)
	require.NoError(t, err)
	require.NoError(t, outer.AddData(inner, Index{X: 1, Y: 1, Z: 1}))
}

func TestFilterKeepsOnlyListedAnnotationIDs(t *testing.T) {
	c, err := Create(resource.Uint64, [3]int{2, 2, 2}, nil)
	require.NoError(t, err)
	u := c.(*CuboidU64)
	for i := range u.data {
		u.data[i] = uint64(i + 1)
	}

	require.NoError(t, Filter(c, []uint64{2, 5}))
	for i, v := range u.data {
		if i+1 == 2 || i+1 == 5 {
			assert.Equal(t, uint64(i+1), v)
		} else {
			assert.Equal(t, uint64(0), v)
		}
	}
}

func TestFilterNoopOnNonAnnotationCuboid(t *testing.T) {
	c, err := Create(resource.Uint8, [3]int{2, 2, 2}, nil)
	require.NoError(t, err)
	u := c.(*CuboidU8)
	for i := range u.data {
		u.data[i] = uint8(i + 1)
	}
	before := append([]uint8(nil), u.data...)

	require.NoError(t, Filter(c, []uint64{1}))
	assert.Equal(t, before, u.data)
}
