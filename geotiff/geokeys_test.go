package geotiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeoKeys(t *testing.T) {
	directory := []uint16{
		1, 1, 1, 5,
		1024, 0, 1, 1,
		1025, 0, 1, 1,
		1026, tagGeoASCIIParams, 7, 0,
		3072, 0, 1, 3857,
		3073, tagGeoDoubleParams, 1, 1,
	}
	keys, err := parseGeoKeys(directory, []float64{0.5, 6378137}, "WGS 84|")
	require.NoError(t, err)

	assert.Equal(t, uint16(1), keys.shorts[keyModelType])
	assert.Equal(t, uint16(rasterTypePixelIsArea), keys.shorts[keyRasterType])
	assert.Equal(t, uint16(3857), keys.shorts[keyProjectedCRS])
	assert.Equal(t, "WGS 84", keys.asciis[keyCitation])
	assert.Equal(t, 6378137.0, keys.doubles[geoKey(3073)])
}

func TestParseGeoKeysErrors(t *testing.T) {
	tests := []struct {
		name      string
		directory []uint16
		doubles   []float64
		asciis    string
	}{
		{name: "empty directory"},
		{name: "truncated header", directory: []uint16{1, 1}},
		{name: "unsupported version", directory: []uint16{2, 1, 1, 0}},
		{name: "unsupported revision", directory: []uint16{1, 2, 0, 0}},
		{name: "keys beyond directory", directory: []uint16{1, 1, 1, 2, 1024, 0, 1, 1}},
		{name: "short with count 2", directory: []uint16{1, 1, 1, 1, 1024, 0, 2, 1}},
		{name: "double out of range", directory: []uint16{1, 1, 1, 1, 2059, tagGeoDoubleParams, 1, 3}, doubles: []float64{1}},
		{name: "ascii out of range", directory: []uint16{1, 1, 1, 1, 1026, tagGeoASCIIParams, 10, 0}, asciis: "short"},
		{name: "unknown location tag", directory: []uint16{1, 1, 1, 1, 1024, 1234, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseGeoKeys(tt.directory, tt.doubles, tt.asciis)
			require.ErrorIs(t, err, errGeoKeys)
		})
	}
}

func TestGeoKeysEPSG(t *testing.T) {
	tests := []struct {
		name    string
		shorts  map[geoKey]uint16
		want    uint
		wantErr bool
	}{
		{
			name:   "projected",
			shorts: map[geoKey]uint16{keyModelType: modelTypeProjected, keyProjectedCRS: 3857},
			want:   3857,
		},
		{
			name:   "geographic",
			shorts: map[geoKey]uint16{keyModelType: modelTypeGeographic, keyGeodeticCRS: 4326},
			want:   4326,
		},
		{
			name:    "projected without crs key",
			shorts:  map[geoKey]uint16{keyModelType: modelTypeProjected},
			wantErr: true,
		},
		{
			name:    "geographic without crs key",
			shorts:  map[geoKey]uint16{keyModelType: modelTypeGeographic},
			wantErr: true,
		},
		{
			name:    "no model type",
			shorts:  map[geoKey]uint16{},
			wantErr: true,
		},
		{
			name:    "user defined model type",
			shorts:  map[geoKey]uint16{keyModelType: 32767},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &geoKeys{shorts: tt.shorts}
			got, err := keys.epsg()
			if tt.wantErr {
				require.ErrorIs(t, err, errGeoKeys)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
