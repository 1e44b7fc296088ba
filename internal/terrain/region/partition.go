package region

import (
	"fmt"

	"terrainprep/internal/terrain/mosaic"
)

type Options struct {
	SeaLevelThreshold float32
	// Progress, if set, is called after each region row.
	Progress func(row, rows int)
}

type Stats struct {
	Terrain int
	Ocean   int
}

// Partition walks the finalized mosaic row-major, north to south, and calls
// emit for every terrain block. Ocean blocks are dropped without a trace.
// The first error from emit stops the walk.
func Partition(m *mosaic.Mosaic, opts Options, emit func(Region) error) (Stats, error) {
	var st Stats
	if !m.Finalized() {
		return st, fmt.Errorf("mosaic is not finalized")
	}
	for ry := 0; ry < m.RegionsY; ry++ {
		for rx := 0; rx < m.RegionsX; rx++ {
			block, err := m.Block(rx, ry)
			if err != nil {
				return st, err
			}
			if !IsTerrain(block, opts.SeaLevelThreshold) {
				st.Ocean++
				continue
			}
			st.Terrain++
			lo, hi := blockRange(block)
			r := Region{
				Coord:     EngineCoord(rx, ry, m.RegionsX, m.RegionsY),
				RX:        rx,
				RY:        ry,
				Size:      m.RegionSize,
				Block:     block,
				MinHeight: lo,
				MaxHeight: hi,
			}
			if err := emit(r); err != nil {
				return st, fmt.Errorf("region (%d,%d): %w", r.X, r.Y, err)
			}
		}
		if opts.Progress != nil {
			opts.Progress(ry+1, m.RegionsY)
		}
	}
	return st, nil
}

// CapacityReport compares the grid's coordinate range against the engine's.
type CapacityReport struct {
	RegionsX, RegionsY     int
	MaxNeededX, MaxNeededY int
	Limit                  int
	Exceeded               bool
}

// CheckCapacity computes the coordinate range a regionsX x regionsY grid
// needs once centered. Exceeding limit is a warning, never fatal.
func CheckCapacity(regionsX, regionsY, limit int) CapacityReport {
	r := CapacityReport{
		RegionsX:   regionsX,
		RegionsY:   regionsY,
		MaxNeededX: (regionsX + 1) / 2,
		MaxNeededY: (regionsY + 1) / 2,
		Limit:      limit,
	}
	r.Exceeded = r.MaxNeededX > limit || r.MaxNeededY > limit
	return r
}

func (r CapacityReport) String() string {
	return fmt.Sprintf("regions %dx%d need coords -%d..+%d (X), -%d..+%d (Y); limit -%d..+%d",
		r.RegionsX, r.RegionsY, r.MaxNeededX, r.MaxNeededX-1, r.MaxNeededY, r.MaxNeededY-1, r.Limit, r.Limit-1)
}
