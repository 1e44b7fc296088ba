package region

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// DefaultSeaLevelThreshold is the dead band above sea level: a block needs at
// least one sample strictly above it to count as terrain.
const DefaultSeaLevelThreshold = 1.0

// DefaultCoordLimit is the terrain engine's addressable range, -16..15 per axis.
const DefaultCoordLimit = 16

// Coord addresses a region in engine space: signed, centered on the world
// origin, Y increasing northwards.
type Coord struct {
	X int
	Y int
}

// InRange reports whether c lies in [-limit, limit) on both axes.
func (c Coord) InRange(limit int) bool {
	return c.X >= -limit && c.X < limit && c.Y >= -limit && c.Y < limit
}

// EngineCoord maps grid indices (row 0 = north) to engine coordinates.
func EngineCoord(rx, ry, regionsX, regionsY int) Coord {
	return Coord{
		X: rx - regionsX/2,
		Y: regionsY/2 - ry - 1,
	}
}

// Region is one kept block of the mosaic. Block row 0 is the region's
// northern edge; orientation is carried only by Coord.Y, the block rows are
// never reversed.
type Region struct {
	Coord
	RX, RY int // grid indices, row 0 = north

	Size  int
	Block []float32 // Size*Size, row-major

	MinHeight float32
	MaxHeight float32
}

func blockRange(b []float32) (lo, hi float32) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range b {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// IsTerrain reports whether any sample exceeds threshold.
func IsTerrain(b []float32, threshold float32) bool {
	for _, v := range b {
		if v > threshold {
			return true
		}
	}
	return false
}

// Digest is the SHA-256 of the block's little-endian float32 bytes, i.e. of
// the file the region writer produces.
func (r *Region) Digest() [32]byte {
	h := sha256.New()
	var tmp [4]byte
	for _, v := range r.Block {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		h.Write(tmp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
