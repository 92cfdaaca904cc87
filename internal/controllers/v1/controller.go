// Package v1 contains the HTTP handlers of the v1 API.
package v1

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/payouts"
	"github.com/kindly-giving/backend/internal/roundup"
)

var (
	errKindNotOneTime = fmt.Errorf("%w: only one-time donations can be created directly", models.ErrValidation)
	errAmountMissing  = fmt.Errorf("%w: the amount parameter must be set", models.ErrValidation)
)

// Controller holds the services the handlers call.
type Controller struct {
	Donations *donations.Service
	RoundUps  *roundup.Service
	Syncer    *roundup.Syncer
	Payouts   *payouts.Service
	Policy    fees.Policy
	Currency  string // Default currency of quotes and balances
}

// ConflictResponse is returned when a payout claims donations that are
// already part of another active payout.
type ConflictResponse struct {
	Error       string      `json:"error" example:"donations are already part of an active payout"`
	DonationIDs []uuid.UUID `json:"donationIds"` // All contested donations
}

// SwitchTooSoonResponse is returned when a round-up configuration switched
// its organization within the switch interval.
type SwitchTooSoonResponse struct {
	Error       string    `json:"error" example:"the organization was switched recently"`
	NextAllowed time.Time `json:"nextAllowed"` // Earliest time of the next switch
}

// status returns the HTTP status for an error of the engine.
func status(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrState), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrExternal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error response. Unknown errors are logged and
// hidden behind the request id.
func respondError(c *gin.Context, err error) {
	var conflict *payouts.ConflictError
	if errors.As(err, &conflict) {
		c.AbortWithStatusJSON(http.StatusConflict, ConflictResponse{
			Error:       err.Error(),
			DonationIDs: conflict.DonationIDs,
		})
		return
	}

	var tooSoon *roundup.SwitchTooSoonError
	if errors.As(err, &tooSoon) {
		c.AbortWithStatusJSON(http.StatusConflict, SwitchTooSoonResponse{
			Error:       err.Error(),
			NextAllowed: tooSoon.NextAllowed,
		})
		return
	}

	code := status(err)
	if code == http.StatusInternalServerError {
		httputil.InternalError(c, err)
		return
	}

	httputil.NewError(c, code, err)
}

// bindID binds the id path parameter. The error response is written if it
// is not a valid UUID.
func bindID(c *gin.Context) (uuid.UUID, bool) {
	id, err := httputil.UUIDFromString(c, c.Param("id"))
	return id, err == nil
}
