package testhelpers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// PostgresTestImage is the image started for integration tests.
const PostgresTestImage = "postgres:16-alpine"

const (
	testDatabase = "navigator_test"
	testUser     = "navigator"
	testPassword = "test_password"
)

// FixtureSchema is created once in the shared container. It holds one of
// every object kind the schema tree shows.
const FixtureSchema = `
CREATE SCHEMA inventory;
COMMENT ON SCHEMA inventory IS 'stock tracking';

CREATE TYPE inventory.item_status AS ENUM ('active', 'retired');
CREATE DOMAIN inventory.positive_int AS integer CHECK (VALUE > 0);

CREATE TABLE inventory.items (
	id serial PRIMARY KEY,
	sku text NOT NULL UNIQUE,
	status inventory.item_status NOT NULL DEFAULT 'active',
	quantity inventory.positive_int
);
COMMENT ON TABLE inventory.items IS 'catalogue items';
COMMENT ON COLUMN inventory.items.sku IS 'stock keeping unit';

CREATE INDEX items_status_idx ON inventory.items (status);
CREATE VIEW inventory.active_items AS SELECT id, sku FROM inventory.items WHERE status = 'active';
CREATE MATERIALIZED VIEW inventory.item_counts AS SELECT status, count(*) AS n FROM inventory.items GROUP BY status;
CREATE SEQUENCE inventory.batch_seq AS bigint;

CREATE FUNCTION inventory.item_total() RETURNS bigint LANGUAGE sql AS 'SELECT count(*) FROM inventory.items';
CREATE PROCEDURE inventory.retire_item(item_id integer) LANGUAGE sql
	AS 'UPDATE inventory.items SET status = ''retired'' WHERE id = item_id';

CREATE FUNCTION inventory.touch_item() RETURNS trigger LANGUAGE plpgsql AS 'BEGIN RETURN NEW; END';
CREATE TRIGGER items_touch BEFORE INSERT OR UPDATE ON inventory.items
	FOR EACH ROW EXECUTE FUNCTION inventory.touch_item();
`

// TestDB holds a shared test database container and connection pool.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
	Host      string
	Port      int
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once, seeded with FixtureSchema, and reused
// across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

// ConnectionConfig describes the container as a saved connection.
func (db *TestDB) ConnectionConfig(name string) models.ConnectionConfig {
	return models.ConnectionConfig{
		Name:              name,
		Host:              db.Host,
		Port:              db.Port,
		Database:          testDatabase,
		Username:          testUser,
		Password:          testPassword,
		SSLMode:           models.SSLModeDisable,
		ConnectionTimeout: 5,
		CreatedAt:         time.Now().UTC(),
	}
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresTestImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
		},
		// The server logs readiness twice: once for the init run, once for real.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return nil, fmt.Errorf("failed to parse container port %q: %w", mapped.Port(), err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		testUser, testPassword, host, port, testDatabase)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reach test database: %w", err)
	}

	if _, err := pool.Exec(ctx, FixtureSchema); err != nil {
		return nil, fmt.Errorf("failed to load fixture schema: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
		Host:      host,
		Port:      port,
	}, nil
}
