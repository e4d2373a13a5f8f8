package attachment

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// Handler exposes attachment upload, download, deletion and sweeping.
type Handler struct {
	files         *FileStore
	signer        *LinkSigner
	retentionDays int
}

// NewHandler creates a Handler. A nil signer disables signed links.
func NewHandler(files *FileStore, signer *LinkSigner, retentionDays int) *Handler {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Handler{files: files, signer: signer, retentionDays: retentionDays}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/tests/:id/files", h.UploadTestFiles)
	g.GET("/tests/:id/files/:index", h.Download(OwnerTest))
	g.DELETE("/tests/:id/files/:index", h.Delete(OwnerTest))
	g.POST("/tests/:id/files/:index/link", h.SignLink(OwnerTest))

	g.POST("/prescriptions/:id/files", h.UploadPrescriptionFiles)
	g.GET("/prescriptions/:id/files/:index", h.Download(OwnerPrescription))
	g.DELETE("/prescriptions/:id/files/:index", h.Delete(OwnerPrescription))
	g.POST("/prescriptions/:id/files/:index/link", h.SignLink(OwnerPrescription))

	g.GET("/files/signed", h.DownloadSigned).Name = signedRoute
	g.POST("/attachments/sweep", h.Sweep)
}

const signedRoute = "attachment.signed"

// signedPath returns the mounted path of the signed download route.
func signedPath(c echo.Context) string {
	if p := c.Echo().Reverse(signedRoute); p != "" {
		return p
	}
	return "/files/signed"
}

func httpError(err error) error {
	return echo.NewHTTPError(records.HTTPStatus(err), err.Error())
}

func parseRef(c echo.Context, owner Owner) (Ref, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return Ref{}, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		return Ref{}, echo.NewHTTPError(http.StatusBadRequest, "invalid file index")
	}
	return Ref{Owner: owner, OwnerID: id, Index: idx}, nil
}

// incoming opens every part of the "files" form field. The returned closer
// releases them.
func incoming(c echo.Context) ([]Incoming, func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "multipart form is required")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}
	var opened []multipart.File
	release := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	out := make([]Incoming, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			release()
			return nil, nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
		}
		opened = append(opened, f)
		out = append(out, Incoming{FileName: fh.Filename, Size: fh.Size, Content: f})
	}
	return out, release, nil
}

func (h *Handler) UploadTestFiles(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	files, release, err := incoming(c)
	if err != nil {
		return err
	}
	defer release()

	res, err := h.files.AttachToTest(c.Request().Context(), id, c.FormValue("uploaded_by"), files)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(uploadStatus(res), res)
}

func (h *Handler) UploadPrescriptionFiles(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	files, release, err := incoming(c)
	if err != nil {
		return err
	}
	defer release()

	res, err := h.files.AttachToPrescription(c.Request().Context(), id, c.FormValue("uploaded_by"), files)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(uploadStatus(res), res)
}

func uploadStatus(res *AttachResult) int {
	if len(res.Stored) == 0 {
		return http.StatusBadRequest
	}
	return http.StatusCreated
}

func (h *Handler) Download(owner Owner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ref, err := parseRef(c, owner)
		if err != nil {
			return err
		}
		return h.stream(c, ref)
	}
}

func (h *Handler) stream(c echo.Context, ref Ref) error {
	rc, file, err := h.files.Retrieve(c.Request().Context(), ref)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, SanitizeFilename(file.FileName)))
	return c.Stream(http.StatusOK, file.MimeType, rc)
}

func (h *Handler) Delete(owner Owner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ref, err := parseRef(c, owner)
		if err != nil {
			return err
		}
		if err := h.files.Delete(c.Request().Context(), ref); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type linkResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) SignLink(owner Owner) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.signer == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "signed links are disabled")
		}
		ref, err := parseRef(c, owner)
		if err != nil {
			return err
		}
		file, err := h.files.resolve(c.Request().Context(), ref)
		if err != nil {
			return httpError(err)
		}
		ref.StoredName = file.StoredName
		token, exp, err := h.signer.Sign(ref)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, linkResponse{
			Token:     token,
			URL:       signedPath(c) + "?token=" + token,
			ExpiresAt: exp,
		})
	}
}

func (h *Handler) DownloadSigned(c echo.Context) error {
	if h.signer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "signed links are disabled")
	}
	ref, err := h.signer.Verify(c.QueryParam("token"))
	if err != nil {
		return httpError(err)
	}
	return h.stream(c, ref)
}

type sweepResponse struct {
	RetentionDays int `json:"retention_days"`
	Removed       int `json:"removed"`
}

func (h *Handler) Sweep(c echo.Context) error {
	days := h.retentionDays
	if v := c.QueryParam("retention_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid retention_days")
		}
		days = n
	}
	removed, err := h.files.SweepOrphans(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sweepResponse{RetentionDays: days, Removed: removed})
}
