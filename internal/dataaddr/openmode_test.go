package dataaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenModeStringRoundTrip(t *testing.T) {
	modes := []OpenMode{Read, New, OverWrite, Resume, SkipExisting}

	for _, m := range modes {
		parsed, err := ParseOpenMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
}

func TestParseOpenModeInvalid(t *testing.T) {
	_, err := ParseOpenMode("Bogus")
	assert.Error(t, err)
}

func TestOpenModeClassification(t *testing.T) {
	tests := []struct {
		mode      OpenMode
		wantRead  bool
		wantWrite bool
	}{
		{Read, true, false},
		{New, false, true},
		{OverWrite, false, true},
		{Resume, false, true},
		{SkipExisting, false, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.wantRead, tt.mode.IsReadMode(), tt.mode.String())
		assert.Equal(t, tt.wantWrite, tt.mode.IsWriteMode(), tt.mode.String())
	}
}
