package docs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taxdocs/services/records"
	"taxdocs/services/storage"
)

// File is a file picked for upload. A zero-length Data is a valid, empty file.
type File struct {
	Name string
	Type string
	Data []byte
}

// UploadState drives the upload control.
type UploadState struct {
	Uploading bool
	Error     string
}

// Upload phases recorded in the step log.
const (
	PhasePreparing       = "preparing"
	PhaseUploading       = "uploading"
	PhaseStorageComplete = "storage complete"
	PhaseRecordCreated   = "record created"
	PhaseFailed          = "failed"
)

// StepEntry is one line of the upload step log.
type StepEntry struct {
	At     time.Time
	File   string
	Phase  string
	Detail string
}

const (
	maxStepEntries  = 100
	maxPathAttempts = 16
)

// UploaderOptions configure an Uploader.
type UploaderOptions struct {
	// Root is the object store root (bucket) documents are written to.
	Root string
	// Rollback deletes the stored object when writing its record fails.
	Rollback bool
}

// Uploader stores a file and then records its metadata.
type Uploader struct {
	session SessionProvider
	records records.Store
	objects storage.Store
	opts    UploaderOptions
	log     zerolog.Logger
	now     func() time.Time

	state *State[UploadState]

	mu       sync.Mutex
	inflight int
	steps    []StepEntry
}

// NewUploader wires an Uploader to its collaborators.
func NewUploader(session SessionProvider, recs records.Store, objects storage.Store, opts UploaderOptions, logger zerolog.Logger) *Uploader {
	return &Uploader{
		session: session,
		records: recs,
		objects: objects,
		opts:    opts,
		log:     logger.With().Str("component", "uploader").Logger(),
		now:     time.Now,
		state:   NewState(UploadState{}),
	}
}

// State exposes the upload state for observation.
func (u *Uploader) State() *State[UploadState] { return u.state }

// Steps returns a copy of the step log, oldest first.
func (u *Uploader) Steps() []StepEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]StepEntry(nil), u.steps...)
}

func (u *Uploader) step(file, phase, detail string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.steps = append(u.steps, StepEntry{At: u.now().UTC(), File: file, Phase: phase, Detail: detail})
	if len(u.steps) > maxStepEntries {
		u.steps = append([]StepEntry(nil), u.steps[len(u.steps)-maxStepEntries:]...)
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ObjectPath returns {userID}/{millis}_{name} with unsafe name characters replaced.
func ObjectPath(userID string, at time.Time, name string) string {
	return userID + "/" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + unsafeNameChars.ReplaceAllString(name, "_")
}

// Upload stores f and writes its record. A nil f is ignored. The new record shows up
// through the live list, not through a return value. On failure the error is shown
// through the upload state and returned.
func (u *Uploader) Upload(ctx context.Context, f *File) error {
	if f == nil {
		return nil
	}

	u.begin()
	err := u.run(ctx, f)
	u.end(err)
	return err
}

func (u *Uploader) begin() {
	u.mu.Lock()
	u.inflight++
	u.mu.Unlock()
	u.state.Set(UploadState{Uploading: true})
}

func (u *Uploader) end(err error) {
	u.mu.Lock()
	u.inflight--
	uploading := u.inflight > 0
	u.mu.Unlock()

	u.state.Update(func(s UploadState) UploadState {
		s.Uploading = uploading
		if err != nil {
			s.Error = "Failed to upload file: " + Message(err)
		}
		return s
	})
}

func (u *Uploader) run(ctx context.Context, f *File) error {
	userID, err := currentUser(u.session)
	if err != nil {
		u.step(f.Name, PhaseFailed, err.Error())
		return err
	}

	log := u.log.With().Str("user_id", userID).Str("file", f.Name).Logger()
	u.step(f.Name, PhasePreparing, fmt.Sprintf("%d bytes", len(f.Data)))

	var (
		ref    storage.Ref
		handle storage.Handle
		url    string
	)

	saga := NewSaga(u.opts.Rollback, log,
		Step{
			Name: "store object",
			Do: func(ctx context.Context) error {
				h, stored, err := u.storeObject(ctx, userID, f)
				ref = stored
				if err != nil {
					return err
				}
				handle = h
				u.step(f.Name, PhaseStorageComplete, ref.Path)
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return u.objects.Delete(ctx, ref)
			},
		},
		Step{
			Name: "resolve url",
			Do: func(ctx context.Context) error {
				var err error
				url, err = u.objects.DownloadURL(ctx, handle.Ref)
				return err
			},
		},
		Step{
			Name: "write record",
			Do: func(ctx context.Context) error {
				id, err := u.records.Add(ctx, records.UserDocuments(userID), records.Document{
					Name:       f.Name,
					Type:       f.Type,
					Size:       handle.Size,
					UploadDate: u.now().UTC(),
					URL:        url,
					Path:       ref.Path,
					Status:     records.StatusPending,
					Metadata: map[string]any{
						"originalName": f.Name,
						"uploadedBy":   userID,
					},
				})
				if err != nil {
					return err
				}
				u.step(f.Name, PhaseRecordCreated, id)
				log.Info().Str("doc_id", id).Str("path", ref.Path).Msg("document uploaded")
				return nil
			},
		},
	)

	if err := saga.Run(ctx); err != nil {
		stepName := "unknown"
		var serr *StepError
		if errors.As(err, &serr) {
			stepName = serr.Step
			if stepName != "store object" && !u.opts.Rollback {
				orphanedObjects.Inc()
			}
		}
		uploadFailures.WithLabelValues(stepName).Inc()
		u.step(f.Name, PhaseFailed, err.Error())
		log.Error().Err(err).Str("step", stepName).Str("path", ref.Path).Msg("upload failed")
		return err
	}

	uploadsTotal.Inc()
	return nil
}

// storeObject writes f under a fresh object path. A path already taken by an upload of
// the same name in the same millisecond is skipped by moving one millisecond forward.
func (u *Uploader) storeObject(ctx context.Context, userID string, f *File) (storage.Handle, storage.Ref, error) {
	at := u.now()
	opts := storage.UploadOptions{
		ContentType: f.Type,
		Metadata: map[string]string{
			"originalName": f.Name,
			"uploadedBy":   userID,
			"uploadedAt":   at.UTC().Format(time.RFC3339),
		},
	}

	for attempt := 0; ; attempt++ {
		ref := storage.NewRef(u.opts.Root, ObjectPath(userID, at, f.Name))
		u.step(f.Name, PhaseUploading, ref.Path)
		h, err := u.objects.Upload(ctx, ref, f.Data, opts)
		switch {
		case err == nil:
			return h, ref, nil
		case errors.Is(err, storage.ErrExists) && attempt+1 < maxPathAttempts:
			at = at.Add(time.Millisecond)
		default:
			return storage.Handle{}, ref, err
		}
	}
}
