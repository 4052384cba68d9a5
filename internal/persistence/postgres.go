package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

//go:embed schema_postgres.sql
var schemaPostgresSQL string

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	name       string
	positional bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", positional: true}
)

// rebind rewrites "?" placeholders to "$n" for engines that need positional parameters.
// Queries in this package never contain a literal "?" inside strings.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewPostgresStorage connects to postgres through pgx and migrates the schema.
// It is meant for deployments where several hosts share one usage store.
func NewPostgresStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &SQLStorage{
		db:      db,
		dialect: postgresDialect,
		now:     time.Now,
	}
	if err := storage.migrate(ctx, schemaPostgresSQL); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Postgres storage initialized")
	return storage, nil
}
