package docs

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"taxdocs/services/records"
	"taxdocs/services/storage"
)

// Deleter removes a document's record and then its stored object.
type Deleter struct {
	session SessionProvider
	records records.Store
	objects storage.Store
	root    string
	log     zerolog.Logger
}

// NewDeleter wires a Deleter to its collaborators. root is used for records that
// carry an object path but no resolvable URL.
func NewDeleter(session SessionProvider, recs records.Store, objects storage.Store, root string, logger zerolog.Logger) *Deleter {
	return &Deleter{
		session: session,
		records: recs,
		objects: objects,
		root:    root,
		log:     logger.With().Str("component", "deleter").Logger(),
	}
}

// Delete removes doc's record first, so the live list drops it straight away, then the
// stored object. A record delete failure is returned and the object is left alone.
// An object delete failure is only logged; the record stays deleted.
func (d *Deleter) Delete(ctx context.Context, doc records.Document) error {
	userID, err := currentUser(d.session)
	if err != nil {
		return err
	}
	if doc.ID == "" {
		return errors.New("docs: document has no id")
	}

	log := d.log.With().Str("user_id", userID).Str("doc_id", doc.ID).Logger()

	saga := NewSaga(false, log,
		Step{
			Name: "delete record",
			Do: func(ctx context.Context) error {
				return d.records.Delete(ctx, records.UserDocuments(userID).Doc(doc.ID))
			},
		},
		Step{
			Name: "delete object",
			Do: func(ctx context.Context) error {
				if err := d.deleteObject(ctx, doc); err != nil {
					orphanedObjects.Inc()
					log.Error().Err(err).Str("url", doc.URL).Str("path", doc.Path).Msg("delete stored object")
				}
				return nil
			},
		},
	)

	if err := saga.Run(ctx); err != nil {
		log.Error().Err(err).Msg("delete document")
		return err
	}

	deletesTotal.Inc()
	log.Info().Msg("document deleted")
	return nil
}

func (d *Deleter) deleteObject(ctx context.Context, doc records.Document) error {
	ref, err := d.objects.RefFromURL(doc.URL)
	if err != nil {
		if doc.Path == "" || d.root == "" {
			return err
		}
		ref = storage.NewRef(d.root, doc.Path)
	}
	return d.objects.Delete(ctx, ref)
}
