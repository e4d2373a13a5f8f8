package attachment

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes int64 = 10 << 20

// mimeTypes is the extension allow-list. The MIME type of a stored file is
// always derived from it, never from the client.
var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Upload describes a file offered for upload before any byte is written.
type Upload struct {
	FileName string
	Size     int64
}

// Validate checks an upload against the extension allow-list, the size
// window (0, maxBytes] and the sanitized filename charset. A maxBytes of zero
// means DefaultMaxBytes.
func Validate(u Upload, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if strings.TrimSpace(u.FileName) == "" {
		return records.Invalid("file", "no filename provided")
	}
	if _, ok := mimeTypes[extension(u.FileName)]; !ok {
		return records.Invalid("file", "file type not allowed, allowed types: "+strings.Join(AllowedExtensions(), ", "))
	}
	if u.Size > maxBytes {
		return records.Invalid("file", fmt.Sprintf("file too large, maximum size: %dMB", maxBytes>>20))
	}
	if u.Size <= 0 {
		return records.Invalid("file", "empty file not allowed")
	}
	if !validName.MatchString(SanitizeFilename(u.FileName)) {
		return records.Invalid("file", "invalid characters in filename")
	}
	return nil
}

// AllowedExtensions lists the accepted extensions without the dot, sorted.
func AllowedExtensions() []string {
	out := make([]string, 0, len(mimeTypes))
	for ext := range mimeTypes {
		out = append(out, strings.TrimPrefix(ext, "."))
	}
	sort.Strings(out)
	return out
}

// MimeType returns the MIME type for an allow-listed file name, or
// application/octet-stream.
func MimeType(name string) string {
	if mt, ok := mimeTypes[extension(name)]; ok {
		return mt
	}
	return "application/octet-stream"
}

func extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// SanitizeFilename reduces a client-supplied name to a flat ASCII name:
// path separators and whitespace become underscores, other characters outside
// [A-Za-z0-9._-] are dropped, and leading or trailing dots and underscores
// are trimmed.
func SanitizeFilename(name string) string {
	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}
