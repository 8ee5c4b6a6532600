package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"taxdocs/pkg/bus"
	"taxdocs/pkg/db"
)

// PostgresStore keeps documents in the documents table and announces every write
// on the broker so live queries on any process refresh.
type PostgresStore struct {
	pool   *pgxpool.Pool
	broker bus.Broker
	log    zerolog.Logger
}

// NewPostgresStore constructs a PostgresStore for the provided dependencies.
func NewPostgresStore(pool *pgxpool.Pool, broker bus.Broker, logger zerolog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	return &PostgresStore{
		pool:   pool,
		broker: broker,
		log:    logger.With().Str("component", "records").Logger(),
	}, nil
}

type documentRow struct {
	ID         uuid.UUID `db:"id"`
	Name       string    `db:"name"`
	Type       string    `db:"type"`
	Size       int64     `db:"size"`
	UploadDate time.Time `db:"upload_date"`
	URL        string    `db:"url"`
	Path       string    `db:"path"`
	Status     string    `db:"status"`
	Metadata   []byte    `db:"metadata"`
}

func (r documentRow) toDocument() (Document, error) {
	doc := Document{
		ID:         r.ID.String(),
		Name:       r.Name,
		Type:       r.Type,
		Size:       r.Size,
		UploadDate: r.UploadDate.UTC(),
		URL:        r.URL,
		Path:       r.Path,
		Status:     r.Status,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decode metadata for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

const selectColumns = `id, name, type, size, upload_date, url, path, status, metadata`

func (p *PostgresStore) Add(ctx context.Context, c CollectionRef, doc Document) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}

	id := uuid.New()
	if doc.UploadDate.IsZero() {
		doc.UploadDate = time.Now().UTC()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}

	var metadata *string
	if doc.Metadata != nil {
		b, err := json.Marshal(doc.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		s := string(b)
		metadata = &s
	}

	_, err := db.Exec(ctx, p.pool, `
		INSERT INTO documents (id, collection, name, type, size, upload_date, url, path, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, now())`,
		id, c.Path(), doc.Name, doc.Type, doc.Size, doc.UploadDate, doc.URL, doc.Path, doc.Status, metadata,
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}

	publishChange(ctx, p.broker, p.log, "add", c, id.String())
	return id.String(), nil
}

func (p *PostgresStore) Get(ctx context.Context, ref DocRef) (Document, error) {
	id, err := uuid.Parse(ref.ID)
	if err != nil {
		return Document{}, ErrNotFound
	}

	var row documentRow
	err = db.Get(ctx, p.pool, &row,
		`SELECT `+selectColumns+` FROM documents WHERE collection = $1 AND id = $2`,
		ref.Collection.Path(), id,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	return row.toDocument()
}

func (p *PostgresStore) Delete(ctx context.Context, ref DocRef) error {
	id, err := uuid.Parse(ref.ID)
	if err != nil {
		return ErrNotFound
	}

	tag, err := db.Exec(ctx, p.pool,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		ref.Collection.Path(), id,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	publishChange(ctx, p.broker, p.log, "delete", ref.Collection, ref.ID)
	return nil
}

var orderColumns = map[string]string{
	FieldUploadDate: "upload_date",
	FieldName:       "name",
	FieldSize:       "size",
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	dir := "ASC"
	if q.Dir == Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE collection = $1 ORDER BY %s %s, id %s`,
		selectColumns, orderColumns[q.Field], dir, dir)

	var rows []documentRow
	if err := db.Select(ctx, p.pool, &rows, query, q.Collection.Path()); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		doc, err := r.toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (p *PostgresStore) Subscribe(ctx context.Context, q Query, cb func(Snapshot)) (Unsubscribe, error) {
	return startLiveQuery(ctx, p.broker, q, func(ctx context.Context) ([]Document, error) {
		return p.List(ctx, q)
	}, cb, p.log)
}
