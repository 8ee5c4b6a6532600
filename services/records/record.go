package records

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("records: document not found")

// Document statuses.
const (
	StatusPending = "pending"
)

// Document is the metadata record kept for one stored object.
type Document struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Size       int64          `json:"size"`
	UploadDate time.Time      `json:"uploadDate"`
	URL        string         `json:"url"`
	Path       string         `json:"path"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Direction orders query results.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// CollectionRef names a collection such as users/{uid}/documents.
type CollectionRef struct {
	path string
}

// Collection builds a reference from path segments.
func Collection(segments ...string) CollectionRef {
	cleaned := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return CollectionRef{path: path.Join(cleaned...)}
}

// UserDocuments is the collection holding uid's documents.
func UserDocuments(uid string) CollectionRef {
	return Collection("users", uid, "documents")
}

// Path returns the slash separated collection path.
func (c CollectionRef) Path() string { return c.path }

// Doc references the document id inside c.
func (c CollectionRef) Doc(id string) DocRef {
	return DocRef{Collection: c, ID: id}
}

// OrderBy builds a query over c sorted by field.
func (c CollectionRef) OrderBy(field string, dir Direction) Query {
	return Query{Collection: c, Field: field, Dir: dir}
}

func (c CollectionRef) validate() error {
	if c.path == "" {
		return errors.New("records: empty collection path")
	}
	return nil
}

// DocRef points at a single document.
type DocRef struct {
	Collection CollectionRef
	ID         string
}

// Path returns collection/id.
func (d DocRef) Path() string { return d.Collection.path + "/" + d.ID }

// Query selects a whole collection in a given order.
type Query struct {
	Collection CollectionRef
	Field      string
	Dir        Direction
}

// Sortable fields.
const (
	FieldUploadDate = "uploadDate"
	FieldName       = "name"
	FieldSize       = "size"
)

func (q Query) validate() error {
	if err := q.Collection.validate(); err != nil {
		return err
	}
	switch q.Field {
	case FieldUploadDate, FieldName, FieldSize:
		return nil
	default:
		return fmt.Errorf("records: cannot order by %q", q.Field)
	}
}

// Snapshot is the full ordered result of a query at ReadAt.
type Snapshot struct {
	Documents []Document `json:"documents"`
	ReadAt    time.Time  `json:"readAt"`
}

// Unsubscribe stops a live query. It is safe to call more than once.
type Unsubscribe func()

// Store is the document database: writes, deletes and live ordered queries.
type Store interface {
	Add(ctx context.Context, c CollectionRef, doc Document) (string, error)
	Get(ctx context.Context, ref DocRef) (Document, error)
	Delete(ctx context.Context, ref DocRef) error
	List(ctx context.Context, q Query) ([]Document, error)
	// Subscribe delivers the full ordered result of q now and after every change
	// until the returned Unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, q Query, cb func(Snapshot)) (Unsubscribe, error)
}
