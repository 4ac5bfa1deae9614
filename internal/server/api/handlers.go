package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidvault/internal/server/database"
	"vidvault/internal/server/service"
	"vidvault/internal/server/stream"
	"vidvault/internal/server/token"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// accessDenied is the only body sent for authorization failures.
var accessDenied = echo.Map{"error": "access denied"}

// HealthChecker reports database connectivity. A nil HealthChecker means
// the server runs on in-memory stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the vidvault API.
type Handler struct {
	guard    *service.AccessGuard
	streamer *stream.Streamer
	uploads  *service.UploadService
	admin    *service.AdminService
	db       HealthChecker
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(guard *service.AccessGuard, streamer *stream.Streamer, uploads *service.UploadService, admin *service.AdminService, db HealthChecker) *Handler {
	return &Handler{
		guard:    guard,
		streamer: streamer,
		uploads:  uploads,
		admin:    admin,
		db:       db,
	}
}

// HandleStream handles GET|HEAD /secure-videos/:slug.
// The access token travels in the query string.
func (h *Handler) HandleStream(c echo.Context) error {
	return h.serveStream(c, c.Param("slug"))
}

// HandleLegacyStream handles GET|HEAD /?wsvl_video={slug}.
func (h *Handler) HandleLegacyStream(c echo.Context) error {
	slug := c.QueryParam("wsvl_video")
	if slug == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	}
	return h.serveStream(c, slug)
}

func (h *Handler) serveStream(c echo.Context, slug string) error {
	req := c.Request()
	grant, err := h.guard.Authorize(req.Context(), service.AccessRequest{
		Principal:   principalFrom(c),
		Slug:        slug,
		Token:       token.FromQuery(slug, c.QueryParams()),
		RangeHeader: req.Header.Get("Range"),
		IP:          c.RealIP(),
		UserAgent:   req.UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	_, err = h.streamer.Stream(req.Context(), c.Response(), req.Method, grant.Asset, grant.Range, grant.PrincipalID)
	return h.finishStream(c, slug, err)
}

// HandleWindow handles POST /api/stream.
// Form fields: slug, the token fields, chunk (window index) and size.
func (h *Handler) HandleWindow(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid form"})
	}
	slug := form.Get("slug")

	window := &service.WindowRequest{}
	if window.Index, err = strconv.ParseInt(form.Get("chunk"), 10, 64); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chunk must be an integer"})
	}
	if raw := form.Get("size"); raw != "" {
		if window.Size, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "size must be an integer"})
		}
	}

	req := c.Request()
	grant, err := h.guard.Authorize(req.Context(), service.AccessRequest{
		Principal: principalFrom(c),
		Slug:      slug,
		Token:     token.FromQuery(slug, form),
		Window:    window,
		IP:        c.RealIP(),
		UserAgent: req.UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	_, err = h.streamer.StreamWindow(req.Context(), c.Response(), grant.Asset, grant.Range, grant.PrincipalID)
	return h.finishStream(c, slug, err)
}

// finishStream turns a streaming error into a response when nothing has
// been written yet. Once headers are out, the response is abandoned.
func (h *Handler) finishStream(c echo.Context, slug string, err error) error {
	if err == nil || c.Response().Committed {
		return nil
	}
	if errors.Is(err, stream.ErrRangeNotSatisfiable) {
		return mapServiceError(c, err)
	}
	slog.Error("failed to open asset for streaming", "slug", slug, "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
}

// HandlePlayback handles POST /api/playback/:slug.
// Returns a signed page URL and stream URL for an entitled caller.
func (h *Handler) HandlePlayback(c echo.Context) error {
	urls, err := h.guard.IssuePlayback(c.Request().Context(), principalFrom(c), c.Param("slug"))
	if err != nil {
		return mapServiceError(c, err)
	}
	noStore(c)
	return c.JSON(http.StatusOK, urls)
}

// HandleLibrary handles GET /api/videos.
// Lists the caller's playable videos with fresh signed URLs.
func (h *Handler) HandleLibrary(c echo.Context) error {
	entries, err := h.guard.Library(c.Request().Context(), principalFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	noStore(c)
	return c.JSON(http.StatusOK, echo.Map{"videos": entries})
}

// HandleWatch handles GET /watch/:slug.
// Exchanges a page token for a fresh stream URL.
func (h *Handler) HandleWatch(c echo.Context) error {
	slug := c.Param("slug")
	fresh, err := h.guard.RefreshStream(c.Request().Context(), principalFrom(c), slug, token.FromQuery(slug, c.QueryParams()))
	if err != nil {
		return mapServiceError(c, err)
	}
	noStore(c)
	return c.JSON(http.StatusOK, fresh)
}

func noStore(c echo.Context) {
	h := c.Response().Header()
	h.Set("Cache-Control", "private, no-store")
	h.Set("X-Frame-Options", "SAMEORIGIN")
}

// HandleInitUpload handles POST /api/uploads.
func (h *Handler) HandleInitUpload(c echo.Context) error {
	var req service.InitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	result, err := h.uploads.Init(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// HandlePutChunk handles PUT /api/uploads/:id/chunks/:index.
// The request body is the raw chunk.
func (h *Handler) HandlePutChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chunk index must be an integer"})
	}

	result, err := h.uploads.PutChunk(c.Request().Context(), c.Param("id"), index, c.Request().Body)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleCompleteUpload handles POST /api/uploads/:id/complete.
func (h *Handler) HandleCompleteUpload(c echo.Context) error {
	result, err := h.uploads.Complete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleAbandonUpload handles DELETE /api/uploads/:id.
func (h *Handler) HandleAbandonUpload(c echo.Context) error {
	if err := h.uploads.Abandon(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "upload abandoned"})
}

// HandleListAssets handles GET /api/admin/assets.
func (h *Handler) HandleListAssets(c echo.Context) error {
	assets, err := h.admin.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	out := make([]echo.Map, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetJSON(a))
	}
	return c.JSON(http.StatusOK, echo.Map{"assets": out})
}

// HandleCheckAsset handles GET /api/admin/assets/:slug/check.
func (h *Handler) HandleCheckAsset(c echo.Context) error {
	report, err := h.admin.Check(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleRepairAsset handles POST /api/admin/assets/:slug/repair.
func (h *Handler) HandleRepairAsset(c echo.Context) error {
	asset, err := h.admin.Repair(c.Request().Context(), c.Param("slug"), principalFrom(c).ID)
	if errors.Is(err, service.ErrNothingToRepair) {
		return c.JSON(http.StatusOK, echo.Map{"repaired": false, "asset": assetJSON(asset)})
	}
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"repaired": true, "asset": assetJSON(asset)})
}

// HandleViewStats handles GET /api/admin/assets/:slug/stats.
func (h *Handler) HandleViewStats(c echo.Context) error {
	stats, err := h.admin.ViewStats(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"slug":           stats.Slug,
		"total_views":    stats.TotalViews,
		"unique_viewers": stats.UniqueViewers,
		"bytes_sent":     stats.BytesSent,
		"bytes_human":    humanize.Bytes(uint64(stats.BytesSent)),
		"last_viewed":    stats.LastViewed,
	})
}

type grantRequest struct {
	PrincipalID string     `json:"principal_id"`
	Slug        string     `json:"slug"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// HandleGrant handles POST /api/admin/entitlements.
func (h *Handler) HandleGrant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	err := h.admin.Grant(c.Request().Context(), &database.Entitlement{
		PrincipalID: req.PrincipalID,
		Slug:        req.Slug,
		Status:      req.Status,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"message": "entitlement granted"})
}

// HandleRevoke handles DELETE /api/admin/entitlements?principal_id=&slug=.
func (h *Handler) HandleRevoke(c echo.Context) error {
	principalID := c.QueryParam("principal_id")
	slug := c.QueryParam("slug")
	if principalID == "" || slug == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "principal_id and slug are required"})
	}

	if err := h.admin.Revoke(c.Request().Context(), principalID, slug); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "entitlement revoked"})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "in-memory"

	if h.db != nil {
		dbStatus = "connected"
		if err := h.db.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.admin.Stats(c.Request().Context())
	if err != nil {
		slog.Error("failed to retrieve stats", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_assets":       stats.TotalAssets,
		"open_uploads":       stats.OpenUploads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanize.Bytes(uint64(stats.StorageUsed)),
		"total_views":        stats.TotalViews,
		"unique_viewers":     stats.UniqueViewers,
		"bytes_served":       stats.BytesServed,
		"bytes_served_human": humanize.Bytes(uint64(stats.BytesServed)),
		"last_viewed":        stats.LastViewed,
	})
}

func assetJSON(a *database.Asset) echo.Map {
	if a == nil {
		return nil
	}
	return echo.Map{
		"slug":         a.Slug,
		"filename":     a.Filename,
		"size":         a.Size,
		"size_human":   humanize.Bytes(uint64(a.Size)),
		"content_type": a.ContentType,
		"content_hash": a.ContentHash,
		"updated_at":   a.UpdatedAt,
	}
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
// Access failures differ only in status, never in body.
func mapServiceError(c echo.Context, err error) error {
	var missing *service.MissingChunkError
	var rangeErr *service.RangeError

	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, accessDenied)
	case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, accessDenied)
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, accessDenied)
	case errors.Is(err, service.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, accessDenied)
	case errors.As(err, &rangeErr):
		c.Response().Header().Set("Content-Range", "bytes */"+strconv.FormatInt(rangeErr.Size, 10))
		return c.JSON(http.StatusRequestedRangeNotSatisfiable, echo.Map{"error": "range not satisfiable"})
	case errors.Is(err, stream.ErrRangeNotSatisfiable):
		return c.JSON(http.StatusRequestedRangeNotSatisfiable, echo.Map{"error": "range not satisfiable"})
	case errors.As(err, &missing):
		return c.JSON(http.StatusConflict, echo.Map{"error": "missing chunk", "index": missing.Index})
	case errors.Is(err, service.ErrUploadNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "upload not found"})
	case errors.Is(err, service.ErrAssemblyInProgress),
		errors.Is(err, service.ErrUploadClosed),
		errors.Is(err, service.ErrSlugExhausted),
		errors.Is(err, service.ErrAmbiguousRepair):
		return c.JSON(http.StatusConflict, echo.Map{"error": rootMessage(err)})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrDisallowedType),
		errors.Is(err, service.ErrInvalidUpload),
		errors.Is(err, service.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": rootMessage(err)})
	case errors.Is(err, service.ErrAssemblyFailed):
		slog.Error("upload assembly failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "assembly failed, retry the upload"})
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// rootMessage returns the first line of err without joined causes, which
// may name server paths.
func rootMessage(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
