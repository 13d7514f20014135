// Package geopix converts the pixels of a georeferenced raster into WGS84
// point samples.
package geopix

import (
	"encoding/json"
	"errors"
)

var (
	// ErrUnknownCRS is returned when an authority code cannot be resolved.
	ErrUnknownCRS = errors.New("unknown CRS")

	// ErrInvalidConfiguration is returned when extraction options are out of
	// range.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrMalformedGeotransform is returned when a geotransform is degenerate
	// or missing.
	ErrMalformedGeotransform = errors.New("malformed geotransform")
)

// A Band is a read-only two dimensional grid of samples.
type Band interface {
	Size() (width, height int)
	At(x, y int) float64
}

// A Transformer converts source CRS coordinates to WGS84 latitude and
// longitude. The latitude-like coordinate comes first.
type Transformer interface {
	Transform(northing, easting float64) (lat, lon float64, err error)
}

// A SamplePoint is a single extracted sample.
type SamplePoint struct {
	Latitude  float64
	Longitude float64
	Intensity float64
}

// A SampleSet is a sequence of samples in row-major scan order.
type SampleSet []SamplePoint

// MarshalJSON encodes p as [lat, lon, intensity].
func (p SamplePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{p.Latitude, p.Longitude, p.Intensity})
}

// UnmarshalJSON decodes p from [lat, lon, intensity].
func (p *SamplePoint) UnmarshalJSON(data []byte) error {
	var triple [3]float64
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	p.Latitude, p.Longitude, p.Intensity = triple[0], triple[1], triple[2]
	return nil
}
