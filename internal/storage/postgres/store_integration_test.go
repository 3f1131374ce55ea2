//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/precatorio-exporter/internal/clock/system"
	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "exporter",
				"POSTGRES_PASSWORD": "exporter",
				"POSTGRES_DB":       "exporter",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := New(ctx, Config{
		DSN:      fmt.Sprintf("postgres://exporter:exporter@%s/exporter?sslmode=disable", endpoint),
		MaxConns: 16,
	}, system.New())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate must be idempotent")
	return store
}

func TestStore_Integration_LedgerIsAtomic(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExport(ctx, export.Export{
		ID:        "exp-1",
		Params:    export.Params{Entity: "MUNICIPIO X", YearStart: 2020, YearEnd: 2021},
		CreatedAt: time.Now().UTC(),
	}))

	const writers = 12
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordFailure(ctx, "exp-1", 4, fmt.Sprintf("attempt %d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	failures, err := store.ListFailures(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, writers, failures[0].Attempts)

	require.NoError(t, store.ClearFailure(ctx, "exp-1", 4))
	failures, err = store.ListFailures(ctx, "exp-1")
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestStore_Integration_FlagsFlipOnce(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, store.CreateExport(ctx, export.Export{ID: "exp-2", CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.SetTotalUnits(ctx, "exp-2", 3))

	var completes, notifies atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := store.MarkComplete(ctx, "exp-2"); err == nil && ok {
				completes.Add(1)
			}
			if ok, err := store.MarkNotified(ctx, "exp-2", time.Now().UTC()); err == nil && ok {
				notifies.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, completes.Load())
	require.EqualValues(t, 1, notifies.Load())

	exp, err := store.GetExport(ctx, "exp-2")
	require.NoError(t, err)
	require.True(t, exp.Complete)
	require.NotNil(t, exp.NotifiedAt)
	require.Equal(t, 3, *exp.TotalUnits)

	page, total, err := store.ListCompleted(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, page, 1)

	_, err = store.MarkComplete(ctx, "missing")
	require.ErrorIs(t, err, export.ErrNotFound)
}

func TestStore_Integration_Settings(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	_, err := store.GetSetting(ctx, export.SettingWebhookURL)
	require.ErrorIs(t, err, export.ErrNotFound)

	require.NoError(t, store.SetSetting(ctx, export.SettingWebhookURL, "https://hooks.test/a"))
	require.NoError(t, store.SetSetting(ctx, export.SettingWebhookURL, "https://hooks.test/b"))
	got, err := store.GetSetting(ctx, export.SettingWebhookURL)
	require.NoError(t, err)
	require.Equal(t, "https://hooks.test/b", got)
}
