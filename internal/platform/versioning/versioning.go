// Package versioning carries optimistic-concurrency versions over HTTP as weak ETags.
package versioning

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrNoVersion is returned when neither If-Match nor a body version was supplied.
var ErrNoVersion = errors.New("expected version is required (If-Match header or expected_version)")

// SetETag writes the current version as a weak ETag.
func SetETag(c echo.Context, version int) {
	c.Response().Header().Set("ETag", FormatETag(version))
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	if v < 0 {
		return 0, fmt.Errorf("ETag version must not be negative: %d", v)
	}
	return v, nil
}

// ExpectedVersion resolves the caller's last observed version. If-Match takes
// precedence over the request body; a body value of nil means "not supplied".
func ExpectedVersion(c echo.Context, fromBody *int) (int, error) {
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		v, err := ParseETag(ifMatch)
		if err != nil {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
		}
		return v, nil
	}
	if fromBody == nil {
		return 0, echo.NewHTTPError(http.StatusPreconditionRequired, ErrNoVersion.Error())
	}
	if *fromBody < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "expected_version must not be negative")
	}
	return *fromBody, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, current int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	v, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return v == current
}
