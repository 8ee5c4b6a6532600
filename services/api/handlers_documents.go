package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taxdocs/services/docs"
	"taxdocs/services/identity"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

const multipartMemory = 8 << 20

type documentListResponse struct {
	Documents []records.Document `json:"documents"`
}

type uploadResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	list, err := a.store.Records.List(r.Context(), newestFirst(sess.UserID))
	if err != nil {
		a.log.Error().Err(err).Str("user_id", sess.UserID).Msg("list documents")
		respondError(w, http.StatusInternalServerError, errors.New("could not list documents"))
		return
	}
	if list == nil {
		list = []records.Document{}
	}
	respondJSON(w, http.StatusOK, documentListResponse{Documents: list})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	list, err := a.store.Records.List(r.Context(), newestFirst(sess.UserID))
	if err != nil {
		a.log.Error().Err(err).Str("user_id", sess.UserID).Msg("summarize documents")
		respondError(w, http.StatusInternalServerError, errors.New("could not summarize documents"))
		return
	}
	respondJSON(w, http.StatusOK, docs.Summarize(list))
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, errors.New("file is too large"))
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	defer file.Close()

	name := strings.TrimSpace(header.Filename)
	if name == "" {
		respondError(w, http.StatusBadRequest, errors.New("file name is required"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, a.config.MaxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return
	}
	if int64(len(data)) > a.config.MaxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, errors.New("file is too large"))
		return
	}

	typ := header.Header.Get("Content-Type")
	if typ == "" || typ == "application/octet-stream" {
		typ = docs.DetectType(name, data)
	}

	uploader := docs.NewUploader(requestSession{sess: sess}, a.store.Records, a.store.Objects, docs.UploaderOptions{
		Root:     a.config.Root,
		Rollback: a.config.Rollback,
	}, a.logger)
	if err := uploader.Upload(r.Context(), &docs.File{Name: name, Type: typ, Data: data}); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, docs.ErrNoSession) || errors.Is(err, identity.ErrSessionExpired) {
			status = http.StatusUnauthorized
		}
		respondError(w, status, errors.New(uploader.State().Get().Error))
		return
	}

	id := recordedID(uploader.Steps())
	w.Header().Set("Location", "/v1/documents/"+id)
	respondJSON(w, http.StatusCreated, uploadResponse{ID: id, Name: name, Status: records.StatusPending})
}

// recordedID finds the id the upload's record was written under.
func recordedID(steps []docs.StepEntry) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Phase == docs.PhaseRecordCreated {
			return steps[i].Detail
		}
	}
	return ""
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := a.loadDocument(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (a *API) handleContent(w http.ResponseWriter, r *http.Request) {
	doc, ok := a.loadDocument(w, r)
	if !ok {
		return
	}

	if strings.HasPrefix(doc.URL, "https://") || strings.HasPrefix(doc.URL, "http://") {
		http.Redirect(w, r, doc.URL, http.StatusFound)
		return
	}

	body, err := a.store.Objects.Open(r.Context(), doc.URL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("stored file not found"))
			return
		}
		a.log.Error().Err(err).Str("doc_id", doc.ID).Msg("open stored file")
		respondError(w, http.StatusBadGateway, errors.New("could not open stored file"))
		return
	}
	defer body.Close()

	typ := doc.Type
	if typ == "" {
		typ = "application/octet-stream"
	}
	w.Header().Set("Content-Type", typ)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": doc.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		a.log.Warn().Err(err).Str("doc_id", doc.ID).Msg("stream stored file")
	}
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	doc, ok := a.loadDocument(w, r)
	if !ok {
		return
	}

	sess := sessionFrom(r.Context())
	deleter := docs.NewDeleter(requestSession{sess: sess}, a.store.Records, a.store.Objects, a.config.Root, a.logger)
	if err := deleter.Delete(r.Context(), doc); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("document not found"))
			return
		}
		respondError(w, http.StatusBadGateway, errors.New("Failed to delete document: "+docs.Message(err)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadDocument fetches the {id} document of the signed-in user, answering 404 when
// it does not exist.
func (a *API) loadDocument(w http.ResponseWriter, r *http.Request) (records.Document, bool) {
	sess := sessionFrom(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, errors.New("document id is required"))
		return records.Document{}, false
	}

	doc, err := a.store.Records.Get(r.Context(), records.UserDocuments(sess.UserID).Doc(id))
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("document not found"))
			return records.Document{}, false
		}
		a.log.Error().Err(err).Str("doc_id", id).Msg("load document")
		respondError(w, http.StatusInternalServerError, errors.New("could not load document"))
		return records.Document{}, false
	}
	return doc, true
}

func newestFirst(userID string) records.Query {
	return records.UserDocuments(userID).OrderBy(records.FieldUploadDate, records.Desc)
}
