// Package export writes a user's documents into a compressed, optionally encrypted
// archive with a manifest of checksums, and reads such archives back.
package export

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"taxdocs/services/records"
	"taxdocs/services/storage"
)

const (
	manifestFileName   = "manifest.yaml"
	documentsTarPrefix = "documents"
	ageHeader          = "age-encryption.org/v1"
)

// ErrEncrypted is returned when an encrypted archive is read without identities.
var ErrEncrypted = errors.New("export: archive is encrypted")

// BuildConfig configures archive creation.
type BuildConfig struct {
	Records records.Store
	Objects storage.Store
	UserID  string
	Email   string
	Output  io.Writer
	// Recipients, when set, encrypt the whole archive with age.
	Recipients []age.Recipient
	Now        func() time.Time
	Stdout     io.Writer
}

// Build writes every document of cfg.UserID, newest first, into cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Records == nil || cfg.Objects == nil {
		return nil, errors.New("records and objects stores are required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("output is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	docs, err := cfg.Records.List(ctx, records.UserDocuments(cfg.UserID).OrderBy(records.FieldUploadDate, records.Desc))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "taxdocs-export-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		UserID:    cfg.UserID,
		Email:     cfg.Email,
		Encrypted: len(cfg.Recipients) > 0,
		Documents: make([]ManifestDocument, 0, len(docs)),
	}
	for i, doc := range docs {
		entry, err := fetchDocument(ctx, cfg.Objects, tempDir, i, doc)
		if err != nil {
			return nil, err
		}
		manifest.Documents = append(manifest.Documents, entry)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	out := cfg.Output
	var encrypter io.WriteCloser
	if manifest.Encrypted {
		encrypter, err = age.Encrypt(cfg.Output, cfg.Recipients...)
		if err != nil {
			return nil, fmt.Errorf("age encrypt: %w", err)
		}
		out = encrypter
	}

	if err := writeArchive(out, manifestBytes, tempDir, manifest.Documents); err != nil {
		return nil, err
	}
	if encrypter != nil {
		if err := encrypter.Close(); err != nil {
			return nil, fmt.Errorf("finish encryption: %w", err)
		}
	}

	fmt.Fprintf(cfg.Stdout, "exported %d documents\n", len(manifest.Documents))
	return manifest, nil
}

// archiveName builds a unique, filesystem-safe entry name for the i-th document.
func archiveName(i int, name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if safe == "" || strings.Trim(safe, ".") == "" {
		safe = "document"
	}
	return fmt.Sprintf("%03d_%s", i+1, safe)
}

func fetchDocument(ctx context.Context, objects storage.Store, tempDir string, i int, doc records.Document) (ManifestDocument, error) {
	if err := ctx.Err(); err != nil {
		return ManifestDocument{}, err
	}

	body, err := objects.Open(ctx, doc.URL)
	if err != nil {
		return ManifestDocument{}, fmt.Errorf("open %q: %w", doc.Name, err)
	}
	defer body.Close()

	name := archiveName(i, doc.Name)
	file, err := os.Create(filepath.Join(tempDir, name))
	if err != nil {
		return ManifestDocument{}, fmt.Errorf("create temp file for %q: %w", doc.Name, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hash), body)
	if err != nil {
		return ManifestDocument{}, fmt.Errorf("download %q: %w", doc.Name, err)
	}

	return ManifestDocument{
		ID:         doc.ID,
		Name:       doc.Name,
		Type:       doc.Type,
		Size:       size,
		UploadDate: doc.UploadDate.UTC(),
		Path:       path.Join(documentsTarPrefix, name),
		SHA256:     hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func writeArchive(w io.Writer, manifest []byte, tempDir string, entries []ManifestDocument) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeEntries(tw, manifest, tempDir, entries); err != nil {
		encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeEntries(tw *tar.Writer, manifest []byte, tempDir string, entries []ManifestDocument) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		file, err := os.Open(filepath.Join(tempDir, path.Base(entry.Path)))
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Name, err)
		}
		err = tw.WriteHeader(&tar.Header{
			Name:     entry.Path,
			Mode:     0o600,
			Size:     entry.Size,
			ModTime:  entry.UploadDate,
			Typeflag: tar.TypeReg,
		})
		if err == nil {
			_, err = io.Copy(tw, file)
		}
		file.Close()
		if err != nil {
			return fmt.Errorf("write %q: %w", entry.Name, err)
		}
	}
	return nil
}

// Visitor receives each verified document body while an archive is read.
type Visitor func(doc ManifestDocument, body io.Reader) error

// Read opens an archive, decrypting it with identities when needed, and checks every
// document against the manifest. visit, if non-nil, sees each document's bytes.
func Read(ctx context.Context, r io.Reader, identities []age.Identity, visit Visitor) (*Manifest, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(ageHeader))

	var src io.Reader = br
	if bytes.Equal(head, []byte(ageHeader)) {
		if len(identities) == 0 {
			return nil, ErrEncrypted
		}
		dr, err := age.Decrypt(br, identities...)
		if err != nil {
			return nil, fmt.Errorf("age decrypt: %w", err)
		}
		src = dr
	}

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var (
		manifest *Manifest
		byPath   map[string]ManifestDocument
		seen     = map[string]bool{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if header.Name == manifestFileName {
			if manifest, err = decodeManifest(tr); err != nil {
				return nil, err
			}
			byPath = make(map[string]ManifestDocument, len(manifest.Documents))
			for _, d := range manifest.Documents {
				byPath[d.Path] = d
			}
			continue
		}
		if manifest == nil {
			return nil, errors.New("archive does not start with manifest.yaml")
		}

		doc, ok := byPath[header.Name]
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		if header.Size != doc.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", doc.Name, doc.Size, header.Size)
		}
		if err := checkDocument(tr, doc, visit); err != nil {
			return nil, err
		}
		seen[doc.Path] = true
	}

	if manifest == nil {
		return nil, errors.New("archive missing manifest.yaml")
	}
	for _, d := range manifest.Documents {
		if !seen[d.Path] {
			return nil, fmt.Errorf("document %q missing from archive", d.Name)
		}
	}
	return manifest, nil
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	return &m, nil
}

func checkDocument(r io.Reader, doc ManifestDocument, visit Visitor) error {
	hash := sha256.New()
	body := io.TeeReader(r, hash)

	var err error
	if visit != nil {
		err = visit(doc, body)
	}
	if err == nil {
		// drain whatever the visitor left so the hash covers the whole entry
		_, err = io.Copy(io.Discard, body)
	}
	if err != nil {
		return fmt.Errorf("read %q: %w", doc.Name, err)
	}

	if !strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), doc.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", doc.Name)
	}
	return nil
}

// Extract reads an archive into dir, writing each document under its archive name.
func Extract(ctx context.Context, r io.Reader, identities []age.Identity, dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return Read(ctx, r, identities, func(doc ManifestDocument, body io.Reader) error {
		target := filepath.Join(dir, filepath.Base(filepath.FromSlash(doc.Path)))
		file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(file, body); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
}
