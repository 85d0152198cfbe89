package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePrepareRequest(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantKind  JobKind
		wantErr   bool
		errString string
	}{
		{
			name:     "valid osm request",
			body:     `{"kind":"osm","latitude":-21.7634,"longitude":-41.3235,"radius":500}`,
			wantKind: JobKindOSM,
		},
		{
			name:      "osm missing radius",
			body:      `{"kind":"osm","latitude":-21.7,"longitude":-41.3}`,
			wantErr:   true,
			errString: "latitude, longitude and radius are required",
		},
		{
			name:      "osm radius out of range",
			body:      `{"kind":"osm","latitude":-21.7,"longitude":-41.3,"radius":50000}`,
			wantErr:   true,
			errString: "radius",
		},
		{
			name:     "geojson object",
			body:     `{"kind":"geojson","geojson":{"type":"LineString","coordinates":[[0,0],[1,1]]}}`,
			wantKind: JobKindGeoJSON,
		},
		{
			name:     "geojson as string",
			body:     `{"kind":"geojson","geojson":"{\"type\":\"LineString\",\"coordinates\":[[0,0],[1,1]]}"}`,
			wantKind: JobKindGeoJSON,
		},
		{
			name:      "geojson missing",
			body:      `{"kind":"geojson"}`,
			wantErr:   true,
			errString: "geojson",
		},
		{
			name:      "unknown kind",
			body:      `{"kind":"dxf"}`,
			wantErr:   true,
			errString: "must be one of",
		},
		{
			name:      "malformed json",
			body:      `{"kind":`,
			wantErr:   true,
			errString: "invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodePrepareRequest([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, req.Kind())
		})
	}
}

func TestRequestHash(t *testing.T) {
	a, err := DecodePrepareRequest([]byte(`{"kind":"geojson","geojson":{"type":"Point","coordinates":[1,2]}}`))
	require.NoError(t, err)
	b, err := DecodePrepareRequest([]byte(`{"geojson":{"coordinates":[1,2],"type":"Point"},"kind":"geojson"}`))
	require.NoError(t, err)
	c, err := DecodePrepareRequest([]byte(`{"kind":"osm","latitude":1,"longitude":2,"radius":100}`))
	require.NoError(t, err)

	ha, err := RequestHash(a)
	require.NoError(t, err)
	hb, err := RequestHash(b)
	require.NoError(t, err)
	hc, err := RequestHash(c)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "key order must not change the hash")
	assert.NotEqual(t, ha, hc)
	assert.Len(t, ha, 64)
}

func TestJobStatus_CanTransition(t *testing.T) {
	assert.True(t, JobStatusQueued.CanTransition(JobStatusProcessing))
	assert.True(t, JobStatusQueued.CanTransition(JobStatusFailed))
	assert.True(t, JobStatusProcessing.CanTransition(JobStatusCompleted))
	assert.True(t, JobStatusProcessing.CanTransition(JobStatusProcessing))
	assert.False(t, JobStatusProcessing.CanTransition(JobStatusQueued))
	assert.False(t, JobStatusCompleted.CanTransition(JobStatusFailed))
	assert.False(t, JobStatusFailed.CanTransition(JobStatusProcessing))
	assert.False(t, JobStatusQueued.CanTransition(JobStatus("bogus")))
}
