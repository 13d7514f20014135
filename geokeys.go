package geopix

import (
	"errors"
	"fmt"
	"strings"
)

var errParse = errors.New("parse error")

// A GeoKey identifies an entry in a GeoTIFF GeoKeyDirectory.
type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyGeodeticDatum GeoKey = 2050
	GeoKeyAngularUnits  GeoKey = 2054
	GeoKeyEllipsoid     GeoKey = 2056

	GeoKeyProjectedCRS GeoKey = 3072
	GeoKeyPCSCitation  GeoKey = 3073
	GeoKeyProjection   GeoKey = 3074
	GeoKeyProjMethod   GeoKey = 3075
	GeoKeyLinearUnits  GeoKey = 3076

	GeoKeyVertical GeoKey = 4096
)

const (
	geoDoubleParamsTag = 34736
	geoASCIIParamsTag  = 34737
)

// ParsedGeoKeys are the values of a GeoKeyDirectory, grouped by the tag they
// are stored in.
type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKeyDirectory and the double and ASCII params it
// refers to.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		entry := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(entry[0])
		location, count, valueOrIndex := int(entry[1]), int(entry[2]), int(entry[3])
		switch location {
		case 0:
			if count != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = valueOrIndex
		case geoDoubleParamsTag:
			if count != 1 {
				return nil, errors.ErrUnsupported
			}
			if valueOrIndex >= len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[valueOrIndex]
		case geoASCIIParamsTag:
			if valueOrIndex+count > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[valueOrIndex : valueOrIndex+count])
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// AuthorityCode returns the EPSG code of the projected CRS, or of the
// geodetic CRS if there is no projected CRS.
func (k *ParsedGeoKeys) AuthorityCode() (string, error) {
	for _, key := range []GeoKey{GeoKeyProjectedCRS, GeoKeyGeodeticCRS} {
		switch code, ok := k.Params[key]; {
		case !ok || code == 0:
			continue
		case code == userDefined:
			citation := strings.TrimRight(k.ASCIIParams[GeoKeyPCSCitation], "|")
			return "", fmt.Errorf("%w: user defined CRS %q", ErrUnknownCRS, citation)
		default:
			return fmt.Sprintf("EPSG:%d", code), nil
		}
	}
	return "", fmt.Errorf("%w: no CRS geokey", ErrUnknownCRS)
}
