//go:build integration

package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// TestDoltServer_Integration runs the store against a dolt sql-server over
// the MySQL protocol. Requires Docker.
func TestDoltServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := dolt.Run(ctx, "dolthub/dolt-sql-server:1.32.4",
		dolt.WithDatabase("trackbridge"),
		dolt.WithUsername("trackbridge"),
		dolt.WithPassword("trackbridge"),
	)
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := Open(ctx, Config{Driver: DriverMySQL, DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	m := &types.Mapping{
		Kind:     types.KindUser,
		SourceID: "acc-1",
		Status:   types.StatusPendingAnalysis,
		Proposed: types.Attrs{types.AttrLogin: "ada"},
	}
	require.NoError(t, s.InsertMapping(ctx, m))
	require.ErrorIs(t, s.InsertMapping(ctx, &types.Mapping{Kind: types.KindUser, SourceID: "acc-1"}), storage.ErrDuplicate)

	m.Status = types.StatusReadyForCreation
	require.NoError(t, s.UpdateMapping(ctx, m))

	got, err := s.GetMapping(ctx, types.KindUser, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReadyForCreation, got.Status)
	assert.Equal(t, "ada", got.Proposed.String(types.AttrLogin))
}
