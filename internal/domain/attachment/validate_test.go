package attachment

import (
	"errors"
	"strings"
	"testing"

	"github.com/careorbit/careorbit/internal/domain/records"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		upload  Upload
		wantErr string
	}{
		{"pdf", Upload{FileName: "report.pdf", Size: 1024}, ""},
		{"upper case extension", Upload{FileName: "SCAN.JPEG", Size: 1}, ""},
		{"docx", Upload{FileName: "notes.docx", Size: 10}, ""},
		{"exactly the limit", Upload{FileName: "xray.png", Size: DefaultMaxBytes}, ""},
		{"executable", Upload{FileName: "report.exe", Size: 1024}, "file type not allowed"},
		{"no extension", Upload{FileName: "report", Size: 1024}, "file type not allowed"},
		{"no filename", Upload{FileName: "  ", Size: 1024}, "no filename provided"},
		{"empty", Upload{FileName: "report.pdf", Size: 0}, "empty file not allowed"},
		{"over the limit", Upload{FileName: "report.pdf", Size: DefaultMaxBytes + 1}, "file too large"},
		{"leading dots", Upload{FileName: "..pdf", Size: 10}, ""},
		{"non ascii stem", Upload{FileName: "报告.pdf", Size: 10}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.upload, 0)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			var ve *records.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(ve.Reason, tt.wantErr) {
				t.Errorf("expected reason containing %q, got %q", tt.wantErr, ve.Reason)
			}
		})
	}
}

func TestValidate_CustomLimit(t *testing.T) {
	if err := Validate(Upload{FileName: "a.pdf", Size: 2 << 20}, 1<<20); err == nil {
		t.Error("expected size rejection with a 1MB limit")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":           "report.pdf",
		"My Blood Report.pdf":  "My_Blood_Report.pdf",
		"../../etc/passwd":     "etc_passwd",
		`C:\scans\x-ray 1.png`: "C_scans_x-ray_1.png",
		".hidden.pdf":          "hidden.pdf",
		"rép(ort)!.pdf":        "rport.pdf",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMimeType(t *testing.T) {
	if got := MimeType("scan.JPG"); got != "image/jpeg" {
		t.Errorf("got %q", got)
	}
	if got := MimeType("x.exe"); got != "application/octet-stream" {
		t.Errorf("got %q", got)
	}
}
