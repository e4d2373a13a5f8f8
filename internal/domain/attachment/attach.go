package attachment

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// Incoming is one file handed over by the upload layer.
type Incoming struct {
	FileName string
	Size     int64
	Content  io.Reader
}

// FileError reports why one upload of a batch was not stored.
type FileError struct {
	FileName string `json:"filename"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// AttachResult lists the files stored and the uploads rejected in one batch.
type AttachResult struct {
	Stored []records.AttachmentFile `json:"stored"`
	Errors []FileError              `json:"errors,omitempty"`
}

// AttachToTest validates and stores each upload and appends the stored files
// to the test. Rejected uploads do not stop the batch.
func (s *FileStore) AttachToTest(ctx context.Context, testID uuid.UUID, uploadedBy string, files []Incoming) (*AttachResult, error) {
	if _, err := s.db.Tests.GetByID(ctx, testID); err != nil {
		return nil, err
	}
	res := s.storeAll(ctx, s.absRoot, "", testID.String(), uploadedBy, files)
	if len(res.Stored) == 0 {
		return res, nil
	}
	if err := s.db.Tests.AppendFiles(ctx, testID, res.Stored); err != nil {
		s.rollback(res.Stored)
		return nil, fmt.Errorf("append test files: %w", err)
	}
	return res, nil
}

// AttachToPrescription stores uploads under the prescription directory and
// appends them to the prescription of the visit.
func (s *FileStore) AttachToPrescription(ctx context.Context, visitID uuid.UUID, uploadedBy string, files []Incoming) (*AttachResult, error) {
	if _, err := s.db.Prescriptions.GetByVisit(ctx, visitID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.absRoot, PrescriptionDir)
	res := s.storeAll(ctx, dir, "prescription_", visitID.String(), uploadedBy, files)
	if len(res.Stored) == 0 {
		return res, nil
	}
	if err := s.db.Prescriptions.AppendFiles(ctx, visitID, res.Stored); err != nil {
		s.rollback(res.Stored)
		return nil, fmt.Errorf("append prescription files: %w", err)
	}
	return res, nil
}

func (s *FileStore) storeAll(ctx context.Context, dir, prefix, ownerID, uploadedBy string, files []Incoming) *AttachResult {
	res := &AttachResult{Stored: []records.AttachmentFile{}}
	for _, in := range files {
		if err := Validate(Upload{FileName: in.FileName, Size: in.Size}, s.maxBytes); err != nil {
			res.Errors = append(res.Errors, fileError(in.FileName, err))
			continue
		}
		stored, err := s.write(ctx, dir, prefix, in.Content, SanitizeFilename(in.FileName), ownerID)
		if err != nil {
			res.Errors = append(res.Errors, fileError(in.FileName, err))
			continue
		}
		stored.FileName = in.FileName
		stored.UploadedBy = uploadedBy
		res.Stored = append(res.Stored, *stored)
	}
	return res
}

func (s *FileStore) rollback(files []records.AttachmentFile) {
	for _, f := range files {
		s.discard(f.Path)
	}
}

func fileError(name string, err error) FileError {
	return FileError{FileName: name, Kind: string(records.KindOf(err)), Message: err.Error()}
}
