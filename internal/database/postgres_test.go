package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fleet"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))

	exerciseStore(t, store)

	t.Run("concurrent updates of one user are replayed", func(t *testing.T) {
		require.NoError(t, store.SaveUser(ctx, types.User{ID: "shared", Role: types.RoleRenter}))

		const writers = 4
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.WithTx(ctx, func(s Store) error {
					u, err := s.GetUser(ctx, "shared")
					if err != nil {
						return err
					}
					u.RashCount++
					return s.SaveUser(ctx, u)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		u, err := store.GetUser(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, writers, u.RashCount)
	})
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isSerializationFailure(fmt.Errorf("error committing transaction: %w", &pgconn.PgError{Code: "40P01"})))
	assert.True(t, isSerializationFailure(errors.Wrap(&pgconn.PgError{Code: "40001"}, "failed to save user")))
	assert.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.Conflict(errors.ErrAuctionClosed, "closed")))
	assert.False(t, isSerializationFailure(nil))
}
