package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"satchel/internal/server/archive"
	"satchel/internal/server/service"
	"satchel/internal/server/storage"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const passwordHeader = "X-Download-Password"

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler contains the HTTP handlers for the satchel API.
type Handler struct {
	uploads   *service.UploadService
	downloads *service.DownloadService
	checks    map[string]HealthCheck
}

// NewHandler creates a new handler. checks are reported by /health.
func NewHandler(uploads *service.UploadService, downloads *service.DownloadService, checks map[string]HealthCheck) *Handler {
	return &Handler{uploads: uploads, downloads: downloads, checks: checks}
}

// HandleDownloadAll handles GET /download/:slug/all.
func (h *Handler) HandleDownloadAll(c echo.Context) error {
	return h.serveDownload(c, archive.Selection{Mode: archive.ModeAll})
}

// HandleDownloadFile handles GET /download/:slug/file?key=...
func (h *Handler) HandleDownloadFile(c echo.Context) error {
	return h.serveDownload(c, archive.Selection{Mode: archive.ModeSingle, Key: c.QueryParam("key")})
}

// HandleDownloadFolder handles GET /download/:slug/folder?path=...
func (h *Handler) HandleDownloadFolder(c echo.Context) error {
	return h.serveDownload(c, archive.Selection{Mode: archive.ModeFolder, Folder: c.QueryParam("path")})
}

// HandleDownloadSelected handles POST /download/:slug/selected.
// Expects a JSON body {"fileKeys": [...]}.
func (h *Handler) HandleDownloadSelected(c echo.Context) error {
	var body struct {
		FileKeys []string `json:"fileKeys"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	return h.serveDownload(c, archive.Selection{Mode: archive.ModeSelected, Keys: body.FileKeys})
}

func (h *Handler) serveDownload(c echo.Context, sel archive.Selection) error {
	ctx := c.Request().Context()
	d, err := h.downloads.Prepare(ctx, service.DownloadRequest{
		Slug:      c.Param("slug"),
		Selection: sel,
		Password:  password(c),
		ClientIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	plan := d.Plan
	res := c.Response()

	switch plan.Kind {
	case archive.KindRedirect:
		res.Header().Set(echo.HeaderCacheControl, "no-store")
		if err := c.Redirect(http.StatusFound, plan.URL); err != nil {
			return err
		}
		h.downloads.Committed(d)
		return nil

	case archive.KindObject:
		body, info, err := h.downloads.Open(ctx, d)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Error("file listed in metadata is missing from storage", "slug", d.Meta.Slug, "key", plan.Key)
				return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
			}
			return mapServiceError(c, err)
		}
		defer body.Close()

		contentType := plan.ContentType
		if contentType == "" {
			contentType = info.ContentType
		}
		setAttachment(res, plan.Filename, contentType)
		if info.Size > 0 {
			res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
		}
		res.WriteHeader(http.StatusOK)
		h.downloads.Committed(d)

		if _, err := io.Copy(res, body); err != nil {
			abort(ctx, d, err)
		}
		return nil

	default:
		setAttachment(res, plan.Filename, "application/zip")
		res.WriteHeader(http.StatusOK)
		h.downloads.Committed(d)

		if err := h.downloads.Write(ctx, res, d); err != nil {
			abort(ctx, d, err)
		}
		return nil
	}
}

// abort tears the connection down after the response has started, so the
// client sees a failed transfer rather than a complete but short file.
func abort(ctx context.Context, d *service.Download, err error) {
	if ctx.Err() != nil {
		slog.Warn("client went away during download", "slug", d.Meta.Slug, "kind", d.Plan.Kind.String())
	} else {
		slog.Error("download failed mid-stream", "slug", d.Meta.Slug, "kind", d.Plan.Kind.String(), "error", err)
	}
	panic(http.ErrAbortHandler)
}

func setAttachment(res *echo.Response, filename, contentType string) {
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = "attachment"
	}

	hdr := res.Header()
	hdr.Set(echo.HeaderContentType, contentType)
	hdr.Set(echo.HeaderContentDisposition, disposition)
	hdr.Set(echo.HeaderXContentTypeOptions, "nosniff")
	hdr.Set(echo.HeaderCacheControl, "no-store")
}

func password(c echo.Context) string {
	if p := c.QueryParam("password"); p != "" {
		return p
	}
	return c.Request().Header.Get(passwordHeader)
}

// HandleInfo handles GET /api/uploads/:slug.
// Returns upload metadata without serving any file.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.uploads.GetInfo(c.Request().Context(), c.Param("slug"), password(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleToggleRating handles POST /api/uploads/:slug/ratings.
// Expects a JSON body {"key": "..."}.
func (h *Handler) HandleToggleRating(c echo.Context) error {
	var body struct {
		Key string `json:"key"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	rated, err := h.uploads.ToggleRating(c.Request().Context(), c.Param("slug"), body.Key, password(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"key": body.Key, "rated": rated})
}

// HandleUpload handles POST /api/admin/uploads.
// Accepts a multipart form with one or more "files" fields, optional
// "paths[]" and "takenAt[]" aligned with them, and the fields "title",
// "expiresInHours", "gallery", "ratingsEnabled" and "password".
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "multipart form with 'files' fields is required",
		})
	}
	defer form.RemoveAll()

	headers := form.File["files"]
	if len(headers) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "at least one file is required (use form field 'files')",
		})
	}

	paths := formList(form.Value, "paths[]", "paths")
	taken := formList(form.Value, "takenAt[]", "takenAt")

	req := service.UploadRequest{
		Title:          c.FormValue("title"),
		Password:       c.FormValue("password"),
		Gallery:        formBool(c.FormValue("gallery")),
		RatingsEnabled: formBool(c.FormValue("ratingsEnabled")),
	}
	if v := c.FormValue("expiresInHours"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "expiresInHours must be a positive number"})
		}
		req.ExpiresIn = time.Duration(hours * float64(time.Hour))
	}

	for i, fh := range headers {
		f := service.IncomingFile{
			Path: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		}
		if i < len(paths) && paths[i] != "" {
			f.Path = paths[i]
		}
		if i < len(taken) && taken[i] != "" {
			if t, err := time.Parse(time.RFC3339, taken[i]); err == nil {
				f.TakenAt = &t
			}
		}
		req.Files = append(req.Files, f)
	}

	result, err := h.uploads.ProcessUpload(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// HandleDeleteUpload handles DELETE /api/admin/uploads/:slug.
func (h *Handler) HandleDeleteUpload(c echo.Context) error {
	if err := h.uploads.DeleteUpload(c.Request().Context(), c.Param("slug")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "upload deleted successfully",
	})
}

// HandleDeleteFile handles DELETE /api/admin/uploads/:slug/files?key=...
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	if err := h.uploads.DeleteFile(c.Request().Context(), c.Param("slug"), c.QueryParam("key")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "file deleted successfully",
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server and each configured dependency.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	deps := echo.Map{}

	for name, check := range h.checks {
		if err := check(c.Request().Context()); err != nil {
			status = "degraded"
			deps[name] = "error"
			slog.Warn("health check failed", "dependency", name, "error", err)
			continue
		}
		deps[name] = "ok"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":       status,
		"dependencies": deps,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.uploads.GetStats(c.Request().Context())
	if err != nil {
		slog.Error("failed to retrieve stats", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	out := echo.Map{
		"uploads":            stats.Uploads,
		"galleries":          stats.Galleries,
		"files":              stats.Files,
		"downloads":          stats.Downloads,
		"storage_used_bytes": stats.StoredBytes,
		"storage_used_human": humanize.Bytes(uint64(stats.StoredBytes)),
	}
	if stats.Events != nil {
		out["events"] = echo.Map{
			"total_downloads":    stats.Events.TotalDownloads,
			"unique_uploads":     stats.Events.UniqueUploads,
			"cached_downloads":   stats.Events.CachedDownloads,
			"last_24h":           stats.Events.Last24h,
			"bytes_served":       stats.Events.BytesServed,
			"bytes_served_human": humanize.Bytes(uint64(stats.Events.BytesServed)),
		}
		out["top"] = stats.Top
	}
	return c.JSON(http.StatusOK, out)
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var rle *service.RateLimitError
	switch {
	case errors.As(err, &rle):
		c.Response().Header().Set("Retry-After", strconv.Itoa(rle.RetryAfter))
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "rate limit exceeded, try again later"})
	case errors.Is(err, service.ErrInvalidSlug):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid upload id"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "upload not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "upload has expired"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrMissingParameter):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing required parameter"})
	case errors.Is(err, service.ErrFileNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrNoFiles):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no files to upload"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "upload exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrRatingsDisabled):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "ratings are disabled"})
	case errors.Is(err, service.ErrBusy):
		return c.JSON(http.StatusConflict, echo.Map{"error": "upload is being modified, try again"})
	case errors.Is(err, context.Canceled):
		slog.Warn("request cancelled", "path", c.Request().URL.Path)
		return c.NoContent(499)
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func formList(values map[string][]string, keys ...string) []string {
	for _, k := range keys {
		if v, ok := values[k]; ok {
			return v
		}
	}
	return nil
}

func formBool(v string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}
