package geopix

import (
	"fmt"
	"math"
)

// A Geotransform is an affine map from pixel coordinates to source CRS
// coordinates, in GDAL order: originX, pixelWidth, rotX, originY, rotY,
// pixelHeight.
type Geotransform [6]float64

// Apply returns the source CRS coordinates of the top-left corner of pixel
// (x, y).
func (g Geotransform) Apply(x, y float64) (float64, float64) {
	return g[0] + x*g[1] + y*g[2], g[3] + x*g[4] + y*g[5]
}

// Offset returns the geotransform of a window of g whose top-left pixel is
// (dx, dy).
func (g Geotransform) Offset(dx, dy int) Geotransform {
	originX, originY := g.Apply(float64(dx), float64(dy))
	return Geotransform{originX, g[1], g[2], originY, g[4], g[5]}
}

// Validate returns an error if g has a zero pixel size or a non-finite term.
func (g Geotransform) Validate() error {
	for i, v := range g {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: term %d is %v", ErrMalformedGeotransform, i, v)
		}
	}
	if g[1] == 0 || g[5] == 0 {
		return fmt.Errorf("%w: pixel size %vx%v", ErrMalformedGeotransform, g[1], g[5])
	}
	return nil
}
