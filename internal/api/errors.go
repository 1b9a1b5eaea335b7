package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/corvidio/sentinel/internal/apperr"
)

// errorDetail is the {detail} envelope every handler error narrows to at
// the HTTP boundary; apperr.Error keeps the richer component/category/
// context for logging, exactly as documented on apperr.Error itself.
type errorDetail struct {
	Detail string `json:"detail"`
}

func errForbidden(msg string) error {
	return apperr.Newf("%s", msg).Component("api").AsKind(apperr.KindForbidden).Build()
}

func errNotFound(msg string) error {
	return apperr.Newf("%s", msg).Component("api").AsKind(apperr.KindNotFound).Build()
}

func errInvalidInput(msg string) error {
	return apperr.Newf("%s", msg).Component("api").AsKind(apperr.KindInvalidInput).Build()
}

func errRateLimited(msg string) error {
	return apperr.Newf("%s", msg).Component("api").AsKind(apperr.KindRateLimited).Build()
}

// writeError narrows err to {detail} with the status apperr.Of(err) maps
// to, logging it unless it is an apperr.Error that was already reported.
func writeError(c echo.Context, err error) error {
	kind := apperr.Of(err)
	status := kind.HTTPStatus()

	var ae *apperr.Error
	if apperr.As(err, &ae) {
		if ae.MarkReported() {
			c.Logger().Error(err.Error())
		}
	} else {
		c.Logger().Error(err.Error())
	}

	return c.JSON(status, errorDetail{Detail: err.Error()})
}

// httpErrorHandler replaces echo's default so framework-level errors
// (binding failures, 404 route misses) also narrow to {detail} rather than
// echo's own {message} shape.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorDetail{Detail: echoMessage(he)})
		return
	}

	_ = writeError(c, err)
}

func echoMessage(he *echo.HTTPError) string {
	if s, ok := he.Message.(string); ok {
		return s
	}
	return http.StatusText(he.Code)
}
