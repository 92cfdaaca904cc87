package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/payouts"
	kuuid "github.com/kindly-giving/backend/internal/uuid"
)

// RegisterDonationRoutes registers the routes for donations with
// the RouterGroup that is passed.
func (co Controller) RegisterDonationRoutes(r *gin.RouterGroup) {
	// Root group
	{
		r.OPTIONS("", OptionsGetPost)
		r.GET("", co.GetDonations)
		r.POST("", co.CreateDonation)
	}

	// Donation with ID
	{
		r.OPTIONS("/:id", OptionsGet)
		r.GET("/:id", co.GetDonation)
		r.POST("/:id/retry", co.RetryDonation)
		r.POST("/:id/cancel", co.CancelDonation)
		r.GET("/:id/refunds", co.GetRefunds)
		r.POST("/:id/refunds", co.CreateRefund)
		r.GET("/:id/payout", co.GetDonationPayoutStatus)
	}
}

// OptionsGet responds with the allowed HTTP verbs for a read-only resource.
func OptionsGet(c *gin.Context) {
	httputil.OptionsGet(c)
}

// OptionsGetPost responds with the allowed HTTP verbs for a collection.
func OptionsGetPost(c *gin.Context) {
	httputil.OptionsGetPost(c)
}

type DonationResponse struct {
	Data Donation `json:"data"`
}

type DonationListResponse struct {
	Data []Donation `json:"data"`
}

type DonationQueryFilter struct {
	Donor        kuuid.UUID            `form:"donor"`
	Organization kuuid.UUID            `form:"organization"`
	Status       models.DonationStatus `form:"status"`
	Kind         models.DonationKind   `form:"kind"`
	Offset       uint                  `form:"offset"`
	Limit        uint                  `form:"limit"`
}

// @Summary		Create donation
// @Description	Creates a donation and requests the charge from the payment processor. If the processor rejects the charge, the donation is returned with status failed and the failure reason.
// @Tags			Donations
// @Produce		json
// @Success		201			{object}	DonationResponse
// @Failure		400			{object}	httputil.HTTPError
// @Failure		500			{object}	httputil.HTTPError
// @Param			donation	body		donations.Input	true	"Donation"
// @Router			/v1/donations [post]
func (co Controller) CreateDonation(c *gin.Context) {
	var in donations.Input
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	// Round-up and recurring donations are only created by their schedules
	if in.Kind != "" && in.Kind != models.DonationKindOneTime {
		httputil.NewError(c, http.StatusBadRequest, errKindNotOneTime)
		return
	}

	d, err := co.Donations.Create(c, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, DonationResponse{Data: newDonation(c, d)})
}

// @Summary		Get donations
// @Description	Returns donations, newest first
// @Tags			Donations
// @Produce		json
// @Success		200				{object}	DonationListResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			donor			query		string	false	"Filter by donor ID"
// @Param			organization	query		string	false	"Filter by organization ID"
// @Param			status			query		string	false	"Filter by status"
// @Param			kind			query		string	false	"Filter by kind"
// @Param			offset			query		uint	false	"The offset of the first donation returned. Defaults to 0."
// @Param			limit			query		uint	false	"Maximum number of donations to return. Defaults to 50."
// @Router			/v1/donations [get]
func (co Controller) GetDonations(c *gin.Context) {
	var filter DonationQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	limit := 50
	if filter.Limit > 0 {
		limit = int(filter.Limit)
	}

	list, err := co.Donations.List(c, donations.Filter{
		DonorID:        filter.Donor.UUID,
		OrganizationID: filter.Organization.UUID,
		Status:         filter.Status,
		Kind:           filter.Kind,
		Limit:          limit,
		Offset:         int(filter.Offset),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationListResponse{Data: mapAll(list, func(d models.Donation) Donation {
		return newDonation(c, d)
	})})
}

// @Summary		Get donation
// @Description	Returns a specific donation
// @Tags			Donations
// @Produce		json
// @Success		200	{object}	DonationResponse
// @Failure		400	{object}	httputil.HTTPError
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/donations/{id} [get]
func (co Controller) GetDonation(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	d, err := co.Donations.Get(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationResponse{Data: newDonation(c, d)})
}

// @Summary		Retry donation
// @Description	Moves a failed donation back to pending and requests a new charge
// @Tags			Donations
// @Produce		json
// @Success		200	{object}	DonationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/donations/{id}/retry [post]
func (co Controller) RetryDonation(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	d, err := co.Donations.Retry(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationResponse{Data: newDonation(c, d)})
}

// @Summary		Cancel donation
// @Description	Cancels a pending or processing donation
// @Tags			Donations
// @Produce		json
// @Success		200	{object}	DonationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/donations/{id}/cancel [post]
func (co Controller) CancelDonation(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	d, err := co.Donations.Cancel(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationResponse{Data: newDonation(c, d)})
}

type RefundResponse struct {
	Data Refund `json:"data"`
}

type RefundListResponse struct {
	Data []Refund `json:"data"`
}

// @Summary		Refund donation
// @Description	Refunds a completed donation partially or fully. Without an amount, the remaining charge is refunded.
// @Tags			Donations
// @Produce		json
// @Success		201		{object}	RefundResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		404		{object}	httputil.HTTPError
// @Failure		409		{object}	httputil.HTTPError
// @Failure		502		{object}	httputil.HTTPError
// @Param			id		path		string					true	"ID formatted as string"
// @Param			refund	body		donations.RefundInput	true	"Refund"
// @Router			/v1/donations/{id}/refunds [post]
func (co Controller) CreateRefund(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var in donations.RefundInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	refund, err := co.Donations.Refund(c, id, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RefundResponse{Data: newRefund(refund)})
}

// @Summary		Get refunds
// @Description	Returns all refunds of a donation
// @Tags			Donations
// @Produce		json
// @Success		200	{object}	RefundListResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/donations/{id}/refunds [get]
func (co Controller) GetRefunds(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	refunds, err := co.Donations.Refunds(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RefundListResponse{Data: mapAll(refunds, newRefund)})
}

type DonationPayoutStatusResponse struct {
	Data payouts.DonationStatus `json:"data"`
}

// @Summary		Get payout status of a donation
// @Description	Returns the payout state of a donation. Donations that never were part of a payout are pending.
// @Tags			Donations
// @Produce		json
// @Success		200	{object}	DonationPayoutStatusResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/donations/{id}/payout [get]
func (co Controller) GetDonationPayoutStatus(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	s, err := co.Payouts.StatusForDonation(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationPayoutStatusResponse{Data: s})
}
