package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careorbit/careorbit/internal/domain/records"
)

const (
	// PrescriptionDir holds prescription files under the root. It is never swept.
	PrescriptionDir = "prescriptions"

	// DefaultRetentionDays is the orphan sweep window when none is configured.
	DefaultRetentionDays = 30

	maxNameAttempts = 10
	stampLayout     = "20060102_150405"
)

var (
	errEmptyFile     = errors.New("file is missing or empty after write")
	errNameExhausted = errors.New("no free stored name")
)

// Owner identifies the kind of record an attachment belongs to.
type Owner string

const (
	OwnerTest         Owner = "test"
	OwnerPrescription Owner = "prescription"
)

// Ref points at one file entry of an owning record. OwnerID is the test id
// for tests and the visit id for prescriptions. Index is the position in the
// owner's file list. When StoredName is set the entry is looked up by name
// and Index is ignored, so the ref survives removal of earlier entries.
type Ref struct {
	Owner      Owner     `json:"owner"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Index      int       `json:"index"`
	StoredName string    `json:"stored_name,omitempty"`
}

// Config holds the attachment root and upload limit.
type Config struct {
	Root     string
	MaxBytes int64
}

// FileStore keeps uploaded files in a directory tree confined to Root and
// tracks them in the file lists of tests and prescriptions.
type FileStore struct {
	root     string
	absRoot  string
	realRoot string
	maxBytes int64
	db       *records.Store
	now      func() time.Time
	suffix   func() int
	log      zerolog.Logger
}

// NewFileStore creates the root and prescription directories if needed.
func NewFileStore(cfg Config, db *records.Store, log zerolog.Logger) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, errors.New("attachment root is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve attachment root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, PrescriptionDir), 0o750); err != nil {
		return nil, &records.StorageError{Op: "mkdir", Path: abs, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &records.StorageError{Op: "resolve", Path: abs, Err: err}
	}
	return &FileStore{
		root:     cfg.Root,
		absRoot:  abs,
		realRoot: resolved,
		maxBytes: cfg.MaxBytes,
		db:       db,
		now:      time.Now,
		suffix:   func() int { return 1000 + rand.Intn(9000) },
		log:      log.With().Str("component", "attachment").Logger(),
	}, nil
}

// SetClock replaces the clock used for stored names and the sweep cutoff.
func (s *FileStore) SetClock(now func() time.Time) { s.now = now }

// Root returns the configured root directory.
func (s *FileStore) Root() string { return s.root }

// Store writes content under the root as {owner}_{timestamp}_{name}. The file
// is created exclusively; when the name is taken a random four digit suffix
// is added before the extension and creation is retried.
func (s *FileStore) Store(ctx context.Context, content io.Reader, sanitizedName, ownerID string) (*records.AttachmentFile, error) {
	return s.write(ctx, s.absRoot, "", content, sanitizedName, ownerID)
}

func (s *FileStore) write(ctx context.Context, dir, prefix string, content io.Reader, name, ownerID string) (*records.AttachmentFile, error) {
	if !validName.MatchString(name) {
		return nil, records.Invalid("file", "invalid characters in filename")
	}
	base := fmt.Sprintf("%s%s_%s_%s", prefix, ownerID, s.now().Format(stampLayout), name)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stored := base
		if attempt > 0 {
			ext := filepath.Ext(base)
			stored = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), s.suffix(), ext)
		}
		path := filepath.Join(dir, stored)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, &records.StorageError{Op: "create", Path: path, Err: err}
		}

		size, err := s.fill(f, content)
		if err != nil {
			s.discard(path)
			return nil, err
		}
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			s.discard(path)
			return nil, &records.StorageError{Op: "verify", Path: path, Err: errEmptyFile}
		}

		s.log.Debug().Str("stored_name", stored).Int64("size", size).Msg("attachment stored")
		return &records.AttachmentFile{
			FileName:   name,
			StoredName: stored,
			Path:       path,
			Size:       size,
			MimeType:   MimeType(name),
			UploadedAt: s.now().UTC(),
		}, nil
	}
	return nil, &records.StorageError{Op: "create", Path: filepath.Join(dir, base), Err: errNameExhausted}
}

// fill copies at most maxBytes into f and closes it.
func (s *FileStore) fill(f *os.File, content io.Reader) (int64, error) {
	n, err := io.Copy(f, io.LimitReader(content, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &records.StorageError{Op: "write", Path: f.Name(), Err: err}
	}
	if n > s.maxBytes {
		return n, records.Invalid("file", fmt.Sprintf("file too large, maximum size: %dMB", s.maxBytes>>20))
	}
	return n, nil
}

func (s *FileStore) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error().Err(err).Str("path", path).Msg("failed to remove partial attachment")
	}
}

// confine resolves path, following symlinks, and checks that the result lies
// strictly below the root. It returns the resolved path.
func (s *FileStore) confine(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", records.ErrAccessDenied, path)
	}
	resolved := realPath(abs)
	rel, err := filepath.Rel(s.realRoot, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", records.ErrAccessDenied, path)
	}
	return resolved, nil
}

// realPath evaluates symlinks in p. Trailing components that do not exist
// are kept as written below their nearest existing parent.
func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(realPath(parent), filepath.Base(p))
}

// resolve finds the file entry a ref points at.
func (s *FileStore) resolve(ctx context.Context, ref Ref) (*records.AttachmentFile, error) {
	var files []records.AttachmentFile
	switch ref.Owner {
	case OwnerTest:
		t, err := s.db.Tests.GetByID(ctx, ref.OwnerID)
		if err != nil {
			return nil, err
		}
		files = t.Files
	case OwnerPrescription:
		p, err := s.db.Prescriptions.GetByVisit(ctx, ref.OwnerID)
		if err != nil {
			return nil, err
		}
		files = p.Files
	default:
		return nil, records.Invalid("owner", fmt.Sprintf("unknown attachment owner %q", ref.Owner))
	}
	if ref.StoredName != "" {
		for i := range files {
			if files[i].StoredName == ref.StoredName {
				f := files[i]
				return &f, nil
			}
		}
		return nil, &records.NotFoundError{Entity: "file", ID: ref.StoredName}
	}
	if ref.Index < 0 || ref.Index >= len(files) {
		return nil, &records.NotFoundError{Entity: "file", ID: fmt.Sprintf("%s/%d", ref.OwnerID, ref.Index)}
	}
	f := files[ref.Index]
	return &f, nil
}

// Retrieve opens the file a ref points at. The path recorded on the owner is
// checked against the root on every call. The caller closes the reader.
func (s *FileStore) Retrieve(ctx context.Context, ref Ref) (io.ReadCloser, *records.AttachmentFile, error) {
	file, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	path, err := s.confine(file.Path)
	if err != nil {
		s.log.Warn().Str("path", file.Path).Str("owner_id", ref.OwnerID.String()).Msg("attachment path outside root")
		return nil, nil, err
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, nil, &records.NotFoundError{Entity: "file", ID: file.StoredName}
	}
	rc, err := os.Open(path)
	if err != nil {
		return nil, nil, &records.StorageError{Op: "open", Path: path, Err: err}
	}
	if file.MimeType == "" {
		file.MimeType = MimeType(file.FileName)
	}
	return rc, file, nil
}

// Delete removes the file from disk and from the owner's file list. Disk
// removal is best-effort; a failure is logged and the entry is still removed.
func (s *FileStore) Delete(ctx context.Context, ref Ref) error {
	file, err := s.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if path, err := s.confine(file.Path); err != nil {
		s.log.Warn().Str("path", file.Path).Msg("not removing attachment outside root")
	} else if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error().Err(err).Str("path", path).Msg("failed to remove attachment from disk")
	}

	var removed bool
	switch ref.Owner {
	case OwnerTest:
		removed, err = s.db.Tests.RemoveFile(ctx, ref.OwnerID, file.StoredName)
	case OwnerPrescription:
		removed, err = s.db.Prescriptions.RemoveFile(ctx, ref.OwnerID, file.StoredName)
	}
	if err != nil {
		return fmt.Errorf("remove file entry: %w", err)
	}
	if !removed {
		return &records.NotFoundError{Entity: "file", ID: file.StoredName}
	}
	return nil
}

// SweepOrphans removes top-level files under the root that are older than
// the retention window and not listed by any test. References are checked
// per file at sweep time. A file attached concurrently with the sweep may
// still be removed.
func (s *FileStore) SweepOrphans(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, records.Invalid("retention_days", "must be positive")
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	entries, err := os.ReadDir(s.absRoot)
	if err != nil {
		return 0, &records.StorageError{Op: "list", Path: s.absRoot, Err: err}
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		referenced, err := s.db.Tests.ReferencesStoredName(ctx, e.Name())
		if err != nil {
			return removed, fmt.Errorf("check reference of %s: %w", e.Name(), err)
		}
		if referenced {
			continue
		}
		if err := os.Remove(filepath.Join(s.absRoot, e.Name())); err != nil {
			s.log.Error().Err(err).Str("file", e.Name()).Msg("failed to remove orphaned attachment")
			continue
		}
		s.log.Info().Str("file", e.Name()).Msg("removed orphaned attachment")
		removed++
	}
	return removed, nil
}

// Writable checks that the root accepts new files.
func (s *FileStore) Writable(_ context.Context) error {
	f, err := os.CreateTemp(s.absRoot, ".health-*")
	if err != nil {
		return &records.StorageError{Op: "create", Path: s.absRoot, Err: err}
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
