package geotiff

import (
	"errors"
	"fmt"
	"strings"
)

// GeoKey ids and values used by this package (GeoTIFF 1.1, OGC 19-008r4).
type geoKey uint16

const (
	keyModelType    geoKey = 1024
	keyRasterType   geoKey = 1025
	keyCitation     geoKey = 1026
	keyGeodeticCRS  geoKey = 2048
	keyProjectedCRS geoKey = 3072
)

const (
	modelTypeProjected     = 1
	modelTypeGeographic    = 2
	rasterTypePixelIsArea  = 1
	rasterTypePixelIsPoint = 2
)

var errGeoKeys = errors.New("malformed geokey directory")

// geoKeys is the parsed content of the GeoKeyDirectory tag with its double
// and ascii parameter tags resolved.
type geoKeys struct {
	shorts  map[geoKey]uint16
	doubles map[geoKey]float64
	asciis  map[geoKey]string
}

func parseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*geoKeys, error) {
	if len(directory) < 4 {
		return nil, fmt.Errorf("%w: header too short", errGeoKeys)
	}
	if directory[0] != 1 {
		return nil, fmt.Errorf("%w: unsupported directory version %d", errGeoKeys, directory[0])
	}
	if directory[1] != 1 {
		return nil, fmt.Errorf("%w: unsupported key revision %d", errGeoKeys, directory[1])
	}
	numberOfKeys := int(directory[3])
	if len(directory) < 4+4*numberOfKeys {
		return nil, fmt.Errorf("%w: %d keys do not fit in %d entries", errGeoKeys, numberOfKeys, len(directory))
	}

	keys := &geoKeys{
		shorts:  make(map[geoKey]uint16),
		doubles: make(map[geoKey]float64),
		asciis:  make(map[geoKey]string),
	}
	for i := 0; i < numberOfKeys; i++ {
		entry := directory[4+4*i : 4+4*(i+1)]
		key := geoKey(entry[0])
		location := entry[1]
		count := int(entry[2])
		value := entry[3]
		switch location {
		case 0:
			if count != 1 {
				return nil, fmt.Errorf("%w: short key %d has count %d", errGeoKeys, key, count)
			}
			keys.shorts[key] = value
		case tagGeoDoubleParams:
			if count != 1 || int(value) >= len(doubleParams) {
				return nil, fmt.Errorf("%w: double key %d out of range", errGeoKeys, key)
			}
			keys.doubles[key] = doubleParams[value]
		case tagGeoASCIIParams:
			end := int(value) + count
			if end > len(asciiParams) {
				return nil, fmt.Errorf("%w: ascii key %d out of range", errGeoKeys, key)
			}
			keys.asciis[key] = strings.TrimRight(asciiParams[value:end], "|\x00")
		default:
			return nil, fmt.Errorf("%w: key %d stored in unknown tag %d", errGeoKeys, key, location)
		}
	}
	return keys, nil
}

// epsg returns the EPSG code of the file's CRS, from the projected or the
// geodetic CRS key depending on the model type.
func (k *geoKeys) epsg() (uint, error) {
	switch model := k.shorts[keyModelType]; model {
	case modelTypeProjected:
		code, ok := k.shorts[keyProjectedCRS]
		if !ok {
			return 0, fmt.Errorf("%w: projected model without a projected crs key", errGeoKeys)
		}
		return uint(code), nil
	case modelTypeGeographic:
		code, ok := k.shorts[keyGeodeticCRS]
		if !ok {
			return 0, fmt.Errorf("%w: geographic model without a geodetic crs key", errGeoKeys)
		}
		return uint(code), nil
	default:
		return 0, fmt.Errorf("%w: unsupported model type %d", errGeoKeys, model)
	}
}
