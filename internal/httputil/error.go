package httputil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidBody      = errors.New("the body of your request contains invalid or un-parseable data. Please check and try again")
	ErrRequestBodyEmpty = errors.New("the request body must not be empty")
	ErrInvalidUUID      = errors.New("the specified resource ID is not a valid UUID")
	ErrInvalidQuery     = errors.New("the query string contains unparseable data. Please check the values")
)

// HTTPError is used for error responses that contain a body.
type HTTPError struct {
	Error string `json:"error" example:"the specified resource ID is not a valid UUID"`
}

// NewError writes an HTTPError with the status to the response.
func NewError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, HTTPError{
		Error: err.Error(),
	})
}

// InternalError logs the error and responds with a general message that
// contains the request id so that administrators can find the log entry.
func InternalError(c *gin.Context, err error) {
	log.Error().Str("request-id", requestid.Get(c)).Msgf("%T: %v", err, err.Error())
	NewError(c, http.StatusInternalServerError, fmt.Errorf("an error occurred on the server during your request, please contact your server administrator. The request id is '%v', send this to your server administrator to help them finding the problem", requestid.Get(c)))
}
