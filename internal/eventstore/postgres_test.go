package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"),
		envOr("PGPORT", "5432"),
		envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"),
		envOr("PGDATABASE", "testdb"),
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}

	if err := NewPostgres(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// aggregateEvents streams the whole journal and keeps the events of id.
func aggregateEvents(t *testing.T, store *Postgres, id uuid.UUID) []Event {
	t.Helper()
	var (
		out    []Event
		cursor int64
	)
	for {
		batch, err := store.StreamEvents(context.Background(), cursor, 100)
		require.NoError(t, err)
		if len(batch) == 0 {
			return out
		}
		for _, e := range batch {
			if e.AggregateID == id {
				out = append(out, e)
			}
		}
		cursor = batch[len(batch)-1].ID
	}
}

func TestPostgresAppendAndStream(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewPostgres(db)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.AppendEvents(ctx, id, "test_aggregate", 0, []Event{mustEvent(t, "one"), mustEvent(t, "two")}))

	err := store.AppendEvents(ctx, id, "test_aggregate", 1, []Event{mustEvent(t, "stale")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	events := aggregateEvents(t, store, id)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)

	var p testPayload
	require.NoError(t, events[1].Decode(&p))
	assert.Equal(t, "two", p.Message)
}

func TestPostgresStreamFromCursor(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := NewPostgres(db)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.AppendEvents(ctx, id, "test_aggregate", 0, []Event{mustEvent(t, "a"), mustEvent(t, "b")}))
	first := aggregateEvents(t, store, id)
	require.Len(t, first, 2)

	rest, err := store.StreamEvents(ctx, first[0].ID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, rest)
	assert.Greater(t, rest[0].ID, first[0].ID)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewPostgres(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		event, err := NewEvent("TestEvent", testPayload{Message: fmt.Sprintf("event %d", i)}, nil)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		if err := store.AppendEvents(context.Background(), uuid.New(), "test_aggregate", 0, []Event{event}); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
