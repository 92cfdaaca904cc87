package httputil

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BindData binds the data from the request to the struct passed in the interface.
//
// If binding fails, the error response is written and the error returned.
func BindData(c *gin.Context, data any) error {
	if err := c.ShouldBindJSON(data); err != nil {
		if errors.Is(err, io.EOF) {
			NewError(c, http.StatusBadRequest, ErrRequestBodyEmpty)
			return ErrRequestBodyEmpty
		}

		log.Debug().Str("request-id", requestid.Get(c)).Msgf("%T: %v", err, err.Error())
		NewError(c, http.StatusBadRequest, ErrInvalidBody)
		return ErrInvalidBody
	}

	return nil
}

// BindQuery binds the query string to the struct passed in.
func BindQuery(c *gin.Context, data any) error {
	if err := c.ShouldBindQuery(data); err != nil {
		log.Debug().Str("request-id", requestid.Get(c)).Msgf("%T: %v", err, err.Error())
		NewError(c, http.StatusBadRequest, ErrInvalidQuery)
		return ErrInvalidQuery
	}

	return nil
}

// UUIDFromString parses a path parameter into a UUID.
//
// If parsing fails, the error response is written and the error returned.
func UUIDFromString(c *gin.Context, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		NewError(c, http.StatusBadRequest, ErrInvalidUUID)
		return uuid.Nil, ErrInvalidUUID
	}

	return id, nil
}

// ContextURL is the key of the configured API URL in the gin context.
const ContextURL = "baseURL"

// BaseURL returns the configured API URL. Without one, the URL the client
// used is returned.
func BaseURL(c *gin.Context) string {
	if u := c.GetString(ContextURL); u != "" {
		return u
	}

	return RequestHost(c)
}

// RequestHost returns the scheme and host the client used, honoring
// x-forwarded-proto and x-forwarded-host set by reverse proxies.
func RequestHost(c *gin.Context) string {
	scheme := "http"
	if c.Request.Header.Get("x-forwarded-proto") == "https" {
		scheme = "https"
	}

	host := c.Request.Host
	if forwarded := c.Request.Header.Get("x-forwarded-host"); forwarded != "" {
		host = forwarded
	}

	return scheme + "://" + host
}
