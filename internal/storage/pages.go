// Package storage persists fetched pages into an optional relational sink.
// The frontier itself owns its own embedded stores; this package only
// records crawl output.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pq "github.com/lib/pq"

	"crawlfrontier/internal/config"
	"crawlfrontier/pkg/types"
)

// Document captures a fetched page together with its frontier bookkeeping.
type Document struct {
	Docid       int64
	SeedDocid   int64
	ParentDocid int64
	Depth       uint16
	URL         string
	Host        string
	StatusCode  int
	FetchedAt   time.Time
	Body        []byte
}

// PageSink persists crawl output.
type PageSink interface {
	SavePage(ctx context.Context, doc Document) error
	Close() error
}

// FromResult builds a storage document from a frontier URL and its fetched
// page.
func FromResult(u types.WebURL, page *types.Page) Document {
	doc := Document{
		Docid:       u.Docid,
		SeedDocid:   u.SeedDocid,
		ParentDocid: u.ParentDocid,
		Depth:       u.Depth,
		URL:         u.URL,
		Host:        u.Host,
	}
	if page != nil {
		doc.StatusCode = page.StatusCode
		doc.FetchedAt = page.FetchedAt
		doc.Body = page.Body
	}
	return doc
}

// SQLWriter is a relational page sink backed by database/sql.
type SQLWriter struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLWriter initialises a SQLWriter from configuration.
func NewSQLWriter(cfg config.SQLConfig) (*SQLWriter, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	writer := &SQLWriter{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// SavePage upserts the document keyed by docid.
func (s *SQLWriter) SavePage(ctx context.Context, doc Document) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.upsertPage(ctx, doc); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsertPage(ctx, doc); retryErr != nil {
				return fmt.Errorf("insert page: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *SQLWriter) upsertPage(ctx context.Context, doc Document) error {
	query := `
        INSERT INTO pages (docid, seed_docid, parent_docid, depth, url, host, status_code, fetched_at, body)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (docid) DO UPDATE SET
            status_code = EXCLUDED.status_code,
            fetched_at = EXCLUDED.fetched_at,
            body = EXCLUDED.body
    `
	_, err := s.db.ExecContext(ctx, query,
		doc.Docid,
		doc.SeedDocid,
		doc.ParentDocid,
		int(doc.Depth),
		doc.URL,
		doc.Host,
		doc.StatusCode,
		doc.FetchedAt,
		doc.Body,
	)
	return err
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pages (
		    docid BIGINT PRIMARY KEY,
		    seed_docid BIGINT,
		    parent_docid BIGINT,
		    depth INT,
		    url TEXT,
		    host TEXT,
		    status_code INT,
		    fetched_at TIMESTAMPTZ,
		    body BYTEA
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_host ON pages (host)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_seed ON pages (seed_docid)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}
