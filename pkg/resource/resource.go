// Package resource defines the read-only collection/experiment/channel
// metadata interface the core consumes. Resource objects themselves
// (their persistence, the REST layer that builds them, auth) are outside
// the core's scope; this package only fixes the contract in §6 of the
// specification and the JSON envelope the original implementation
// round-trips through.
package resource

import "fmt"

// DataType is the element type of a channel's voxel data.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Float32 DataType = "float32"
)

// BitDepth returns the bit depth for the data type, used for the
// channel's reported bit depth and the image renderers' gray-level
// shift.
func (d DataType) BitDepth() int {
	switch d {
	case Uint8:
		return 8
	case Uint16:
		return 16
	case Uint32, Float32:
		return 32
	case Uint64:
		return 64
	default:
		return 0
	}
}

// ChannelType distinguishes image channels (arbitrary voxel values) from
// annotation channels (uint64 ids, with secondary indices).
type ChannelType string

const (
	ChannelImage      ChannelType = "image"
	ChannelAnnotation ChannelType = "annotation"
)

// HierarchyMethod selects how the resolution hierarchy downsamples.
type HierarchyMethod string

const (
	HierarchyIsotropic   HierarchyMethod = "isotropic"
	HierarchyAnisotropic HierarchyMethod = "anisotropic"
)

// StorageType selects where cutout/write traffic for a channel lands.
type StorageType string

const (
	StorageSPDB     StorageType = "spdb"
	StorageCloudVol StorageType = "cloudvol"
)

// VoxelSize is a physical voxel size triple in nanometers, used to
// compute the isotropic fork level for anisotropic channels.
type VoxelSize struct {
	X, Y, Z float64
}

// IsImage reports whether the channel stores arbitrary image data
// rather than annotation ids; used to reject ID-reservation requests
// against image channels.
func (c *Channel) IsImage() bool { return c.Type == ChannelImage }

// Channel is the subset of channel metadata the core reads.
type Channel struct {
	Name              string          `json:"name"`
	Type              ChannelType     `json:"type"`
	Datatype          DataType        `json:"datatype"`
	BaseResolution    int             `json:"base_resolution"`
	NumHierarchyLevels int            `json:"num_hierarchy_levels"`
	HierarchyMethod   HierarchyMethod `json:"hierarchy_method"`
	Sources           []string        `json:"sources"`
	Related           []string        `json:"related"`
	DefaultTimeSample int             `json:"default_time_sample"`
	DownsampleStatus  string          `json:"downsample_status"`
	Storage           StorageType     `json:"storage_type"`
	Bucket            string          `json:"bucket,omitempty"`
	CloudVolPath      string          `json:"cv_path,omitempty"`
}

// CoordFrame carries the physical voxel size used for the isotropic
// fork computation.
type CoordFrame struct {
	Name      string    `json:"name"`
	VoxelSize VoxelSize `json:"voxel_size"`

	// Extent bounds the valid coordinate space, used to seed the loose
	// bounding box search before it is widened by observed cuboids.
	XStart, XStop int `json:"x_start,omitempty"`
	YStart, YStop int `json:"y_start,omitempty"`
	ZStart, ZStop int `json:"z_start,omitempty"`
}

// Resource is the read-only handle the core operates against. It
// round-trips through JSON with the envelope the original's
// BossResourceBasic uses: collection, experiment, coord_frame, channel,
// boss_key, lookup_key.
type Resource struct {
	Collection   string     `json:"collection"`
	Experiment   string     `json:"experiment"`
	CoordFrame   CoordFrame `json:"coord_frame"`
	ChannelData  Channel    `json:"channel"`
	BossKeyField string     `json:"boss_key"`
	LookupKeyVal string     `json:"lookup_key"`

	collectionID int
	experimentID int
	channelID    int
}

// New builds a Resource from its identifying triple and metadata. The
// lookup key and boss key are both derived/stored, matching the
// original's precomputed fields.
func New(collectionID, experimentID, channelID int, collection, experiment string, coord CoordFrame, ch Channel) *Resource {
	r := &Resource{
		Collection:  collection,
		Experiment:  experiment,
		CoordFrame:  coord,
		ChannelData: ch,
		collectionID: collectionID,
		experimentID: experimentID,
		channelID:    channelID,
	}
	r.LookupKeyVal = fmt.Sprintf("%d&%d&%d", collectionID, experimentID, channelID)
	r.BossKeyField = fmt.Sprintf("%s&%s&%s", collection, experiment, ch.Name)
	return r
}

func (r *Resource) GetLookupKey() string    { return r.LookupKeyVal }
func (r *Resource) GetBossKey() string      { return r.BossKeyField }
func (r *Resource) GetChannel() *Channel    { return &r.ChannelData }
func (r *Resource) GetCoordFrame() *CoordFrame { return &r.CoordFrame }
func (r *Resource) GetExperiment() string   { return r.Experiment }

func (r *Resource) GetDataType() DataType { return r.ChannelData.Datatype }
func (r *Resource) GetBitDepth() int      { return r.ChannelData.Datatype.BitDepth() }

// IsDownsampled reports whether resolutions above base have been
// materialized for this channel.
func (r *Resource) IsDownsampled() bool {
	return r.ChannelData.DownsampleStatus == "DOWNSAMPLED"
}

// GetIsotropicLevel computes the smallest r >= 0 such that
// z_voxel_size / (x_voxel_size * 2^r) >= 1, i.e. the resolution above
// which isotropic and anisotropic downsampling diverge.
func (r *Resource) GetIsotropicLevel() int {
	vs := r.CoordFrame.VoxelSize
	if vs.X <= 0 || vs.Z <= 0 {
		return 0
	}
	level := 0
	scale := 1.0
	for vs.Z/(vs.X*scale) >= 1 && level < r.ChannelData.NumHierarchyLevels {
		level++
		scale *= 2
	}
	if level > 0 {
		level--
	}
	return level
}

// CuboidSizes is the resolution-indexed [x,y,z] cuboid dimension table.
// Index 0 is the base-resolution size (512x512x16 by default); each
// subsequent resolution halves x and y (anisotropic hierarchy) until a
// floor is reached, matching the original's CUBOIDSIZE table.
type CuboidSizes struct {
	base [3]int
}

// DefaultCuboidSizes returns the standard 512x512x16 base cuboid table.
func DefaultCuboidSizes() *CuboidSizes {
	return &CuboidSizes{base: [3]int{512, 512, 16}}
}

// NewCuboidSizes builds a table from an explicit base [x,y,z] size.
func NewCuboidSizes(x, y, z int) *CuboidSizes {
	return &CuboidSizes{base: [3]int{x, y, z}}
}

// AtResolution returns the [x,y,z] cuboid dimensions for a resolution,
// halving x and y per level with a floor of 64 voxels; z is unchanged
// because cuboids halve only in-plane for anisotropic data.
func (c *CuboidSizes) AtResolution(resolution int) [3]int {
	x, y, z := c.base[0], c.base[1], c.base[2]
	for i := 0; i < resolution; i++ {
		if x > 64 {
			x /= 2
		}
		if y > 64 {
			y /= 2
		}
	}
	return [3]int{x, y, z}
}

// GetDownsampledVoxelDims returns the [x,y,z] voxel physical size at
// each resolution up to NumHierarchyLevels, doubling per level (or only
// in x/y below the isotropic fork when iso is false for an anisotropic
// channel).
func (r *Resource) GetDownsampledVoxelDims(iso bool) [][3]float64 {
	vs := r.CoordFrame.VoxelSize
	fork := r.GetIsotropicLevel()
	out := make([][3]float64, 0, r.ChannelData.NumHierarchyLevels+1)
	x, y, z := vs.X, vs.Y, vs.Z
	for level := 0; level <= r.ChannelData.NumHierarchyLevels; level++ {
		out = append(out, [3]float64{x, y, z})
		x *= 2
		y *= 2
		if iso || level >= fork || r.ChannelData.HierarchyMethod == HierarchyIsotropic {
			z *= 2
		}
	}
	return out
}

// GetDownsampledExtentDims returns the cuboid-grid extent dims (the
// CuboidSizes table) at each resolution, mirroring
// GetDownsampledVoxelDims's level indexing.
func (r *Resource) GetDownsampledExtentDims(sizes *CuboidSizes) [][3]int {
	out := make([][3]int, 0, r.ChannelData.NumHierarchyLevels+1)
	for level := 0; level <= r.ChannelData.NumHierarchyLevels; level++ {
		out = append(out, sizes.AtResolution(level))
	}
	return out
}
