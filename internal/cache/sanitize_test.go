package cache

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string  `json:"name"`
	Width   float64 `json:"width_m"`
	Skipped string  `json:"-"`
	Empty   string  `json:"empty,omitempty"`
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "finite float", in: 1.5, want: 1.5},
		{name: "nan", in: math.NaN(), want: nil},
		{name: "positive inf", in: math.Inf(1), want: nil},
		{name: "negative inf", in: float32(math.Inf(-1)), want: nil},
		{name: "int", in: 7, want: int64(7)},
		{
			name: "nested map with non-string keys",
			in:   map[int]any{1: []any{math.NaN(), 2.0}},
			want: map[string]any{"1": []any{nil, 2.0}},
		},
		{
			name: "struct uses json names",
			in:   sample{Name: "Rua A", Width: math.Inf(1), Skipped: "x"},
			want: map[string]any{"name": "Rua A", "width_m": nil},
		},
		{
			name: "pointer to struct",
			in:   &sample{Name: "Rua B", Width: 6, Empty: "e"},
			want: map[string]any{"name": "Rua B", "width_m": 6.0, "empty": "e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_UnknownTypesAreStringified(t *testing.T) {
	assert.IsType(t, "", Sanitize(make(chan int)))
	assert.IsType(t, "", Sanitize(complex(1, 2)))
}

func TestSanitize_OutputIsEncodable(t *testing.T) {
	in := map[string]any{
		"coords": [][]float64{{1, math.NaN()}, {math.Inf(1), 2}},
		"ok":     true,
	}
	data, err := json.Marshal(Sanitize(in))
	require.NoError(t, err)
	assert.JSONEq(t, `{"coords":[[1,null],[null,2]],"ok":true}`, string(data))
}

func TestKey(t *testing.T) {
	a := Key("prepare_osm", "-21.763400", "-41.323500", "500")
	b := Key("prepare_osm", "-21.763400", "-41.323500", "500")
	c := Key("prepare_osm", "-21.763400", "-41.323500", "501")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}
