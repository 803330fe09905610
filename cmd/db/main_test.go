package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"
)

func TestMigrationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "add_photo_index", want: "add_photo_index"},
		{raw: "Add photo index", want: "add_photo_index"},
		{raw: "  cache--expiry.v2 ", want: "cache_expiry_v2"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			name, err := migrationName(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}

	_, err := migrationName(" -- ")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ms := migrate.MigrationSlice{
		{ID: 1, Name: "20250601000000", GroupID: 1, MigratedAt: now},
		{ID: 2, Name: "20250601000001", GroupID: 2, MigratedAt: now},
		{Name: "20250601000002"},
	}

	status := summarize(ms)
	assert.Equal(t, []string{"20250601000000", "20250601000001"}, status.Applied)
	assert.Equal(t, []string{"20250601000002"}, status.Pending)
	assert.Equal(t, int64(2), status.LastGroup)

	assert.Empty(t, summarize(nil).Applied)
	assert.Equal(t, []string{"20250601000002"}, migrationNames(ms[2:]))
}
