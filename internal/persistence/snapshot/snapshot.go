// Package snapshot stores a finalized mosaic so later runs can re-partition
// it without reading the source tiles again.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"terrainprep/internal/encoding"
	"terrainprep/internal/geo"
	"terrainprep/internal/terrain/mosaic"
)

const (
	FileName = "mosaic.snap.zst"
	Version  = 1
)

// Header is written as a plain JSON line ahead of the gob body so tools can
// describe a snapshot without decoding the samples.
type Header struct {
	Version    int    `json:"version"`
	WorldName  string `json:"world_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RegionSize int    `json:"region_size"`
	Known      int    `json:"known_cells"`
}

type MosaicV1 struct {
	Header Header

	Bounds        [4]float64 // min x, min y, max x, max y
	System        string
	RefLat        float64
	VertexSpacing float64
	RawWidth      int
	RawHeight     int

	Values   []float32
	KnownRLE []byte // known-cell mask, run-length encoded
}

// FromMosaic captures a finalized mosaic.
func FromMosaic(worldName string, m *mosaic.Mosaic) (MosaicV1, error) {
	if !m.Finalized() {
		return MosaicV1{}, fmt.Errorf("mosaic is not finalized")
	}
	b := m.Bounds
	return MosaicV1{
		Header: Header{
			Version:    Version,
			WorldName:  worldName,
			Width:      m.Width,
			Height:     m.Height,
			RegionSize: m.RegionSize,
			Known:      m.KnownCount(),
		},
		Bounds:        [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY},
		System:        string(m.Projection.System),
		RefLat:        m.Projection.RefLat,
		VertexSpacing: m.VertexSpacing,
		RawWidth:      m.RawWidth,
		RawHeight:     m.RawHeight,
		Values:        m.Values,
		KnownRLE:      encoding.EncodeMaskRLE(m.Known),
	}, nil
}

// Mosaic rebuilds the finalized mosaic. regionSize 0 keeps the stored
// size; any other value must divide the stored grid.
func (s MosaicV1) Mosaic(regionSize int) (*mosaic.Mosaic, error) {
	if regionSize == 0 {
		regionSize = s.Header.RegionSize
	}
	w, h := s.Header.Width, s.Header.Height
	if regionSize <= 0 || w%regionSize != 0 || h%regionSize != 0 {
		return nil, fmt.Errorf("region size %d does not divide the stored %dx%d grid", regionSize, w, h)
	}
	sys, err := geo.ParseSystem(s.System)
	if err != nil {
		return nil, err
	}
	l := mosaic.Layout{
		Bounds:        geo.Bounds{MinX: s.Bounds[0], MinY: s.Bounds[1], MaxX: s.Bounds[2], MaxY: s.Bounds[3]},
		Projection:    geo.Projection{System: sys, RefLat: s.RefLat},
		VertexSpacing: s.VertexSpacing,
		RegionSize:    regionSize,
		RawWidth:      s.RawWidth,
		RawHeight:     s.RawHeight,
		Width:         w,
		Height:        h,
		RegionsX:      w / regionSize,
		RegionsY:      h / regionSize,
	}
	known, err := encoding.DecodeMaskRLE(s.KnownRLE, w*h)
	if err != nil {
		return nil, fmt.Errorf("known mask: %w", err)
	}
	return mosaic.FromValues(l, s.Values, known)
}

func Write(path string, snap MosaicV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

func Read(path string) (MosaicV1, error) {
	var snap MosaicV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
