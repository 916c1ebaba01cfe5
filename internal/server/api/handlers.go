package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database"
	"pagedrop/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the pagedrop API.
type Handler struct {
	accounts   *service.AccountService
	codes      *service.CodeLedger
	redemption *service.RedemptionService
	ingest     *service.IngestService
	sites      *service.SiteService
	ledger     database.Ledger
	cfg        *config.Config
}

// Services bundles the handler's dependencies.
type Services struct {
	Accounts   *service.AccountService
	Codes      *service.CodeLedger
	Redemption *service.RedemptionService
	Ingest     *service.IngestService
	Sites      *service.SiteService
	Ledger     database.Ledger
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(svc Services, cfg *config.Config) *Handler {
	return &Handler{
		accounts:   svc.Accounts,
		codes:      svc.Codes,
		redemption: svc.Redemption,
		ingest:     svc.Ingest,
		sites:      svc.Sites,
		ledger:     svc.Ledger,
		cfg:        cfg,
	}
}

type credentialsRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// HandleRegister handles POST /register.
func (h *Handler) HandleRegister(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return badRequest(c, "username and password are required")
	}

	account, err := h.accounts.Create(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"username": account.Username,
		"quota":    account.Quota,
	})
}

// HandleLogin handles POST /login.
func (h *Handler) HandleLogin(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	account, err := h.accounts.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"username": account.Username,
		"quota":    account.Quota,
		"is_admin": account.IsAdmin,
	})
}

// HandleUpload handles POST /upload.
// Accepts a multipart form with "site_name" and "file" fields. An optional
// "username" field must name the authenticated account.
func (h *Handler) HandleUpload(c echo.Context) error {
	account := currentAccount(c)

	// Multipart overhead on top of the file itself.
	const formSlack = 1 << 20
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, h.cfg.MaxFileSize+formSlack)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return mapServiceError(c, service.ErrFileTooLarge)
		}
		return badRequest(c, "file is required (use form field 'file')")
	}

	if u := c.FormValue("username"); u != "" && u != account.Username {
		return mapServiceError(c, service.ErrUnauthorized)
	}
	siteName := c.FormValue("site_name")
	if siteName == "" {
		return badRequest(c, "site_name is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return mapServiceError(c, fmt.Errorf("%w: failed to read uploaded file", service.ErrIOFailure))
	}
	defer src.Close()

	result, err := h.ingest.ProcessUpload(c.Request().Context(), service.UploadRequest{
		Username: account.Username,
		SiteName: siteName,
		Filename: fileHeader.Filename,
		Data:     src,
		Size:     fileHeader.Size,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleRedeem handles POST /redeem.
func (h *Handler) HandleRedeem(c echo.Context) error {
	var req struct {
		Code string `json:"code" form:"code"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.redemption.Apply(c.Request().Context(), currentAccount(c).Username, req.Code)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleListSites handles GET /sites/:username.
func (h *Handler) HandleListSites(c echo.Context) error {
	owner := c.Param("username")

	sites, err := h.sites.List(c.Request().Context(), owner)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"username": owner,
		"sites":    sites,
	})
}

// HandleSiteRoot redirects /sites/:username/:site to its trailing-slash
// form so relative links inside the site resolve.
func (h *Handler) HandleSiteRoot(c echo.Context) error {
	return c.Redirect(http.StatusMovedPermanently, c.Request().URL.Path+"/")
}

// HandleServe handles GET /sites/:username/:site/*.
func (h *Handler) HandleServe(c echo.Context) error {
	f, info, err := h.sites.Open(c.Param("username"), c.Param("site"), c.Param("*"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer f.Close()

	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Response(), c.Request(), info.Name(), info.ModTime(), f)
	return nil
}

// HandleDeleteSite handles DELETE /sites/:username/:site.
func (h *Handler) HandleDeleteSite(c echo.Context) error {
	owner, site := c.Param("username"), c.Param("site")

	if err := h.sites.Delete(c.Request().Context(), currentAccount(c).Username, owner, site); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": fmt.Sprintf("site %s/%s deleted", owner, site),
	})
}

// HandleGenerateCode handles POST /admin/generate_code.
func (h *Handler) HandleGenerateCode(c echo.Context) error {
	var req service.IssueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	code, err := h.codes.Issue(c.Request().Context(), currentAccount(c).Username, req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"code":            code.Code,
		"slots":           code.Slots,
		"max_redemptions": code.MaxRedemptions,
	})
}

// HandleListCodes handles GET /admin/codes.
func (h *Handler) HandleListCodes(c echo.Context) error {
	codes, err := h.codes.List(c.Request().Context(), currentAccount(c).Username)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"codes": codes})
}

// HandleRevokeCode handles DELETE /admin/codes/:code.
func (h *Handler) HandleRevokeCode(c echo.Context) error {
	code := c.Param("code")
	if err := h.codes.Revoke(c.Request().Context(), currentAccount(c).Username, code); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "code revoked"})
}

// HandleListUsers handles GET /admin/users.
func (h *Handler) HandleListUsers(c echo.Context) error {
	users, err := h.accounts.List(c.Request().Context(), currentAccount(c).Username)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"users": users})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.ledger.HealthCheck(ctx); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /admin/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.accounts.Stats(c.Request().Context(), currentAccount(c).Username)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"accounts":           stats.Accounts,
		"sites":              stats.Sites,
		"codes":              stats.Codes,
		"redemptions":        stats.Redemptions,
		"quota_outstanding":  stats.QuotaOutstanding,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg, "code": "invalid_argument"})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found", "code": "not_found"})
	case errors.Is(err, service.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error(), "code": "already_exists"})
	case errors.Is(err, service.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid username or password", "code": "invalid_credentials"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not allowed", "code": "unauthorized"})
	case errors.Is(err, service.ErrQuotaExhausted):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "upload quota exhausted, redeem a code for more", "code": "quota_exhausted"})
	case errors.Is(err, service.ErrInvalidCode):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid redeem code", "code": "invalid_code"})
	case errors.Is(err, service.ErrAlreadyRedeemed):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code already redeemed by this account", "code": "already_redeemed"})
	case errors.Is(err, service.ErrCodeExhausted):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code has no redemptions left", "code": "code_exhausted"})
	case errors.Is(err, service.ErrBadArchive):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "bad_archive"})
	case errors.Is(err, service.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_argument"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
			"code":  "file_too_large",
		})
	case errors.Is(err, service.ErrIOFailure):
		slog.Error("storage failure", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage failure", "code": "io_failure"})
	default:
		slog.Error("unhandled error", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error", "code": "internal"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
