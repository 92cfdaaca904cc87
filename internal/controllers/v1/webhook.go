package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/processor"
)

// RegisterWebhookRoutes registers the routes for webhooks of external
// services with the RouterGroup that is passed.
func (co Controller) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.OPTIONS("/processor", httputil.OptionsPost)
	r.POST("/processor", co.ProcessorWebhook)
}

type WebhookReceipt struct {
	EventID string                       `json:"eventId" example:"evt_1PzK2"`
	Outcome models.ProcessorEventOutcome `json:"outcome" example:"applied"`
	Detail  string                       `json:"detail,omitempty"`
}

type WebhookResponse struct {
	Data WebhookReceipt `json:"data"`
}

// @Summary		Processor webhook
// @Description	Receives charge and refund events from the payment processor. Every correctly signed event is acknowledged, its outcome tells if it changed a donation.
// @Tags			Webhooks
// @Produce		json
// @Success		200						{object}	WebhookResponse
// @Failure		400						{object}	httputil.HTTPError
// @Failure		401						{object}	httputil.HTTPError
// @Failure		500						{object}	httputil.HTTPError
// @Param			X-Processor-Signature	header		string	true	"t=<unix seconds>,v1=<hex hmac-sha256>"
// @Router			/v1/webhooks/processor [post]
func (co Controller) ProcessorWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httputil.NewError(c, http.StatusBadRequest, httputil.ErrInvalidBody)
		return
	}

	record, err := co.Donations.HandleWebhook(c, body, c.GetHeader(processor.SignatureHeader))
	if errors.Is(err, processor.ErrSignatureMissing) || errors.Is(err, processor.ErrSignatureInvalid) || errors.Is(err, processor.ErrSignatureExpired) {
		httputil.NewError(c, http.StatusUnauthorized, err)
		return
	}

	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Data: WebhookReceipt{
		EventID: record.EventID,
		Outcome: record.Outcome,
		Detail:  record.Detail,
	}})
}
