package verify

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/pushhub/internal/hub"
)

func TestParseModes(t *testing.T) {
	got, err := ParseModes([]string{"async, sync", "sync"})
	require.NoError(t, err)
	assert.Equal(t, []Mode{ModeAsync, ModeSync}, got)

	_, err = ParseModes(nil)
	assert.Equal(t, http.StatusBadRequest, hub.StatusOf(err))
	_, err = ParseModes([]string{"sync,later"})
	assert.Equal(t, http.StatusBadRequest, hub.StatusOf(err))
}

func TestDecide(t *testing.T) {
	both := []Mode{ModeSync, ModeAsync}
	cases := []struct {
		name      string
		prefs     []Mode
		supported []Mode
		want      Plan
		status    int
	}{
		{"sync supported", []Mode{ModeSync}, both, Plan{First: ModeSync}, 0},
		{"sync then async", []Mode{ModeSync, ModeAsync}, both, Plan{First: ModeSync, AsyncFallback: true}, 0},
		{"async first", []Mode{ModeAsync, ModeSync}, both, Plan{First: ModeAsync}, 0},
		{"async unsupported falls to sync", []Mode{ModeAsync, ModeSync}, []Mode{ModeSync}, Plan{First: ModeSync}, 0},
		{"sync only unsupported", []Mode{ModeSync}, []Mode{ModeAsync}, Plan{}, http.StatusNotImplemented},
		{"nothing enabled", []Mode{ModeSync, ModeAsync}, nil, Plan{}, http.StatusNotImplemented},
		{"fallback needs async support", []Mode{ModeSync, ModeAsync}, []Mode{ModeSync}, Plan{First: ModeSync}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(tc.prefs, tc.supported)
			if tc.status != 0 {
				assert.Equal(t, tc.status, hub.StatusOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
