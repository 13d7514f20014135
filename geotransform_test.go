package geopix_test

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-geopix"
)

func TestGeotransform_Apply(t *testing.T) {
	for _, tc := range []struct {
		name         string
		geotransform geopix.Geotransform
		x, y         float64
		expectedX    float64
		expectedY    float64
	}{
		{
			name:         "origin",
			geotransform: geopix.Geotransform{0, 10, 0, 100, 0, -10},
			expectedX:    0,
			expectedY:    100,
		},
		{
			name:         "north_up",
			geotransform: geopix.Geotransform{0, 10, 0, 100, 0, -10},
			x:            2,
			y:            1,
			expectedX:    20,
			expectedY:    90,
		},
		{
			name:         "utm",
			geotransform: geopix.Geotransform{600000, 10, 0, 3500040, 0, -10},
			x:            3,
			y:            4,
			expectedX:    600030,
			expectedY:    3500000,
		},
		{
			name:         "rotated",
			geotransform: geopix.Geotransform{10, 2, 0.5, 20, -1, 3},
			x:            5,
			y:            7,
			expectedX:    10 + 5*2 + 7*0.5,
			expectedY:    20 + 5*-1 + 7*3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			actualX, actualY := tc.geotransform.Apply(tc.x, tc.y)
			assert.Equal(t, tc.expectedX, actualX)
			assert.Equal(t, tc.expectedY, actualY)
		})
	}
}

func TestGeotransform_Offset(t *testing.T) {
	geotransform := geopix.Geotransform{10, 2, 0.5, 20, -1, 3}
	offset := geotransform.Offset(5, 7)
	assert.Equal(t, geopix.Geotransform{23.5, 2, 0.5, 36, -1, 3}, offset)

	x, y := offset.Apply(1, 1)
	expectedX, expectedY := geotransform.Apply(6, 8)
	assert.Equal(t, expectedX, x)
	assert.Equal(t, expectedY, y)
}

func TestGeotransform_Validate(t *testing.T) {
	for _, tc := range []struct {
		name         string
		geotransform geopix.Geotransform
		valid        bool
	}{
		{
			name:         "valid",
			geotransform: geopix.Geotransform{0, 10, 0, 100, 0, -10},
			valid:        true,
		},
		{
			name:         "zero_width",
			geotransform: geopix.Geotransform{0, 0, 0, 100, 0, -10},
		},
		{
			name:         "zero_height",
			geotransform: geopix.Geotransform{0, 10, 0, 100, 0, 0},
		},
		{
			name:         "nan",
			geotransform: geopix.Geotransform{math.NaN(), 10, 0, 100, 0, -10},
		},
		{
			name:         "inf",
			geotransform: geopix.Geotransform{0, 10, math.Inf(1), 100, 0, -10},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.geotransform.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.IsError(t, err, geopix.ErrMalformedGeotransform)
			}
		})
	}
}
