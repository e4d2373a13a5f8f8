package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(content))
	}
	w.WriteField("uploaded_by", "dr.sen")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_UploadDownloadDelete(t *testing.T) {
	f := newFixture(t)
	signer, _ := NewLinkSigner([]byte("secret"), time.Minute)
	h := NewHandler(f.files, signer, 0)
	e := echo.New()
	id := f.test.ID.String()

	body, ct := multipartBody(t, map[string]string{"cbc.pdf": "%PDF-1.4", "virus.exe": "MZ"})
	req := httptest.NewRequest(http.MethodPost, "/tests/"+id+"/files", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.UploadTestFiles(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res AttachResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Stored) != 1 || len(res.Errors) != 1 || res.Stored[0].UploadedBy != "dr.sen" {
		t.Fatalf("unexpected upload result: %+v", res)
	}

	download := func(index string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id", "index")
		c.SetParamValues(id, index)
		return rec, h.Download(OwnerTest)(c)
	}
	rec, err := download("0")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if rec.Body.String() != "%PDF-1.4" || rec.Header().Get(echo.HeaderContentType) != "application/pdf" {
		t.Errorf("unexpected download: %q %q", rec.Body.String(), rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), `filename="cbc.pdf"`) {
		t.Errorf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if _, err := download("x"); httpCode(t, err) != http.StatusBadRequest {
		t.Error("expected 400 for bad index")
	}
	if _, err := download("3"); httpCode(t, err) != http.StatusNotFound {
		t.Error("expected 404 for missing index")
	}

	// Signed link.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id", "index")
	c.SetParamValues(id, "0")
	if err := h.SignLink(OwnerTest)(c); err != nil {
		t.Fatalf("sign link: %v", err)
	}
	var link linkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, link.URL, nil)
	rec = httptest.NewRecorder()
	if err := h.DownloadSigned(e.NewContext(req, rec)); err != nil {
		t.Fatalf("signed download: %v", err)
	}
	if rec.Body.String() != "%PDF-1.4" {
		t.Errorf("unexpected signed download body %q", rec.Body.String())
	}
	req = httptest.NewRequest(http.MethodGet, "/files/signed?token=bogus", nil)
	if err := h.DownloadSigned(e.NewContext(req, httptest.NewRecorder())); httpCode(t, err) != http.StatusForbidden {
		t.Error("expected 403 for bogus token")
	}

	// Delete.
	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id", "index")
	c.SetParamValues(id, "0")
	if err := h.Delete(OwnerTest)(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	got, _ := f.db.Tests.GetByID(context.Background(), f.test.ID)
	if len(got.Files) != 0 {
		t.Errorf("expected no files left, got %d", len(got.Files))
	}
}

func TestHandler_UploadRejectsAll(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.files, nil, 0)
	e := echo.New()

	body, ct := multipartBody(t, map[string]string{"a.exe": "MZ"})
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(f.test.ID.String())
	if err := h.UploadTestFiles(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when nothing is stored, got %d", rec.Code)
	}
}

func TestHandler_SignedLinksDisabled(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.files, nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/files/signed?token=x", nil)
	err := h.DownloadSigned(echo.New().NewContext(req, httptest.NewRecorder()))
	if httpCode(t, err) != http.StatusNotImplemented {
		t.Error("expected 501")
	}
}

func TestHandler_Sweep(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.files, nil, 30)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/attachments/sweep?retention_days=7", nil)
	rec := httptest.NewRecorder()
	if err := h.Sweep(e.NewContext(req, rec)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var resp sweepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RetentionDays != 7 || resp.Removed != 0 {
		t.Errorf("unexpected response %+v", resp)
	}

	req = httptest.NewRequest(http.MethodPost, "/attachments/sweep?retention_days=-1", nil)
	if err := h.Sweep(e.NewContext(req, httptest.NewRecorder())); httpCode(t, err) != http.StatusBadRequest {
		t.Error("expected 400")
	}
}

func TestHandler_SignedLinkFollowsFileAfterEarlierDelete(t *testing.T) {
	f := newFixture(t)
	signer, _ := NewLinkSigner([]byte("secret"), time.Minute)
	h := NewHandler(f.files, signer, 0)
	e := echo.New()
	ctx := context.Background()
	id := f.test.ID.String()

	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		file, err := f.files.Store(ctx, strings.NewReader(strings.ToUpper(name[:1])), name, id)
		if err != nil {
			t.Fatalf("Store %s: %v", name, err)
		}
		f.attach(t, *file)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "index")
	c.SetParamValues(id, "1")
	if err := h.SignLink(OwnerTest)(c); err != nil {
		t.Fatalf("sign link: %v", err)
	}
	var link linkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatal(err)
	}

	if err := f.files.Delete(ctx, Ref{Owner: OwnerTest, OwnerID: f.test.ID, Index: 0}); err != nil {
		t.Fatalf("delete a.pdf: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, link.URL, nil)
	rec = httptest.NewRecorder()
	if err := h.DownloadSigned(e.NewContext(req, rec)); err != nil {
		t.Fatalf("signed download: %v", err)
	}
	if rec.Body.String() != "B" {
		t.Errorf("link issued for b.pdf served %q", rec.Body.String())
	}

	if err := f.files.Delete(ctx, Ref{Owner: OwnerTest, OwnerID: f.test.ID, Index: 0}); err != nil {
		t.Fatalf("delete b.pdf: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, link.URL, nil)
	err := h.DownloadSigned(e.NewContext(req, httptest.NewRecorder()))
	if httpCode(t, err) != http.StatusNotFound {
		t.Error("expected 404 once the linked file is deleted")
	}
}
