package geopix

import "fmt"

// A Sample is a raster sample type.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// A Grid is a dense, row-major Band.
type Grid[T Sample] struct {
	width  int
	height int
	data   []T
}

// NewGrid returns a new Grid backed by data.
func NewGrid[T Sample](width, height int, data []T) (*Grid[T], error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("grid: negative size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("grid: got %d samples, expected %d", len(data), width*height)
	}
	return &Grid[T]{
		width:  width,
		height: height,
		data:   data,
	}, nil
}

// GridFromRows returns a new Grid containing a copy of rows.
func GridFromRows[T Sample](rows [][]T) (*Grid[T], error) {
	height := len(rows)
	if height == 0 {
		return &Grid[T]{}, nil
	}
	width := len(rows[0])
	data := make([]T, 0, width*height)
	for y, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("grid: row %d has %d samples, expected %d", y, len(row), width)
		}
		data = append(data, row...)
	}
	return NewGrid(width, height, data)
}

// Size returns g's width and height.
func (g *Grid[T]) Size() (int, int) {
	return g.width, g.height
}

// At returns the sample at (x, y) widened to a float64.
func (g *Grid[T]) At(x, y int) float64 {
	return float64(g.data[y*g.width+x])
}

// Data returns g's underlying samples.
func (g *Grid[T]) Data() []T {
	return g.data
}
