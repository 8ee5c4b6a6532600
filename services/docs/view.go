package docs

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"taxdocs/services/records"
)

// DocumentsModel is what the document list template renders.
type DocumentsModel struct {
	Email       string
	Uploading   bool
	UploadError string
	Documents   []records.Document
	Steps       []StepEntry
}

// ListView binds the live list to the upload, delete and sign-out actions.
type ListView struct {
	list     *ListSync
	uploader *Uploader
	deleter  *Deleter
	auth     Authenticator
	log      zerolog.Logger

	mu          sync.Mutex
	mountedUser string
}

// NewListView composes a ListView.
func NewListView(list *ListSync, uploader *Uploader, deleter *Deleter, auth Authenticator, logger zerolog.Logger) *ListView {
	return &ListView{
		list:     list,
		uploader: uploader,
		deleter:  deleter,
		auth:     auth,
		log:      logger.With().Str("component", "listview").Logger(),
	}
}

// Mount starts the live list for userID. Mounting the user already shown is a no-op;
// mounting another user replaces the subscription.
func (v *ListView) Mount(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoSession
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mountedUser == userID {
		return nil
	}
	if v.mountedUser != "" {
		v.list.Stop()
		v.mountedUser = ""
	}
	if err := v.list.Start(ctx, userID); err != nil {
		return err
	}
	v.mountedUser = userID
	return nil
}

// Unmount stops the live list. Pending uploads and deletes keep running.
func (v *ListView) Unmount() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.list.Stop()
	v.mountedUser = ""
}

// Mounted reports whether a list is being shown.
func (v *ListView) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mountedUser != ""
}

// Documents returns the list as currently shown.
func (v *ListView) Documents() []records.Document { return v.list.Documents() }

// Document returns the n-th shown document, counting from 1.
func (v *ListView) Document(n int) (records.Document, error) {
	docs := v.list.Documents()
	if n < 1 || n > len(docs) {
		return records.Document{}, fmt.Errorf("no document #%d", n)
	}
	return docs[n-1], nil
}

// Upload hands f to the Uploader.
func (v *ListView) Upload(ctx context.Context, f *File) error {
	return v.uploader.Upload(ctx, f)
}

// Delete removes doc. Failures are logged and returned but not shown in the view.
func (v *ListView) Delete(ctx context.Context, doc records.Document) error {
	return v.deleter.Delete(ctx, doc)
}

// SignOut ends the session; the gate swaps the view when the session stream says so.
func (v *ListView) SignOut(ctx context.Context) error {
	if err := v.auth.SignOut(ctx); err != nil {
		v.log.Warn().Err(err).Msg("sign out")
		return err
	}
	return nil
}

// Steps returns the upload step log.
func (v *ListView) Steps() []StepEntry { return v.uploader.Steps() }

// Model assembles the template data for email's list.
func (v *ListView) Model(email string) DocumentsModel {
	up := v.uploader.State().Get()
	return DocumentsModel{
		Email:       email,
		Uploading:   up.Uploading,
		UploadError: up.Error,
		Documents:   v.list.Documents(),
		Steps:       v.uploader.Steps(),
	}
}
