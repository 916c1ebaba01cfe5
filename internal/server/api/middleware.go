package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pagedrop/internal/server/metrics"
	"pagedrop/internal/server/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const accountKey = "account"

var tracer = otel.Tracer("pagedrop/api")

// BasicAuth checks HTTP Basic credentials against the account store and
// stores the account in the echo context.
func BasicAuth(accounts *service.AccountService) echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: "pagedrop",
		Validator: func(username, password string, c echo.Context) (bool, error) {
			account, err := accounts.Authenticate(c.Request().Context(), username, password)
			if errors.Is(err, service.ErrInvalidCredentials) {
				slog.Warn("authentication failed", "username", username, "ip", c.RealIP())
				return false, nil
			}
			if err != nil {
				return false, err
			}
			c.Set(accountKey, account)
			return true, nil
		},
	})
}

// RequireAdmin rejects authenticated non-admin accounts.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			account := currentAccount(c)
			if account == nil || !account.IsAdmin {
				return mapServiceError(c, service.ErrUnauthorized)
			}
			return next(c)
		}
	}
}

func currentAccount(c echo.Context) *service.AccountInfo {
	account, _ := c.Get(accountKey).(*service.AccountInfo)
	return account
}

// Tracing starts a server span per request, continuing any incoming trace.
func Tracing() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			if err != nil {
				span.RecordError(err)
			}
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			return err
		}
	}
}

// RequestMetrics records request latency by route pattern.
func RequestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
				"request_id", res.Header().Get(echo.HeaderXRequestID),
			}
			if account := currentAccount(c); account != nil {
				attrs = append(attrs, "username", account.Username)
			}
			slog.Info("request", attrs...)

			return err
		}
	}
}

// errorHandler renders echo's own errors (404 routes, 401 from BasicAuth,
// bind failures) in the same shape as service errors.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		if mapErr := mapServiceError(c, err); mapErr != nil {
			slog.Error("failed to write error response", "error", mapErr)
		}
		return
	}

	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		msg = m
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(he.Code)
	} else {
		werr = c.JSON(he.Code, echo.Map{"error": msg, "code": statusCode(he.Code)})
	}
	if werr != nil {
		slog.Error("failed to write error response", "error", werr)
	}
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusUnauthorized:
		return "invalid_credentials"
	case http.StatusForbidden:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "file_too_large"
	}
	return "internal"
}
