package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/httputil"
	kuuid "github.com/kindly-giving/backend/internal/uuid"
)

// RegisterRecurringRoutes registers the routes for recurring donations with
// the RouterGroup that is passed.
func (co Controller) RegisterRecurringRoutes(r *gin.RouterGroup) {
	r.OPTIONS("", OptionsGetPost)
	r.GET("", co.GetRecurringDonations)
	r.POST("", co.CreateRecurringDonation)
	r.POST("/:id/cancel", co.CancelRecurringDonation)
}

type RecurringDonationResponse struct {
	Data RecurringDonation `json:"data"`
}

type RecurringDonationListResponse struct {
	Data []RecurringDonation `json:"data"`
}

type DonorQueryFilter struct {
	Donor kuuid.UUID `form:"donor"`
}

// @Summary		Create recurring donation
// @Description	Creates a schedule that donates the same amount at every interval
// @Tags			Recurring Donations
// @Produce		json
// @Success		201			{object}	RecurringDonationResponse
// @Failure		400			{object}	httputil.HTTPError
// @Failure		500			{object}	httputil.HTTPError
// @Param			recurring	body		donations.RecurringInput	true	"Recurring donation"
// @Router			/v1/recurring-donations [post]
func (co Controller) CreateRecurringDonation(c *gin.Context) {
	var in donations.RecurringInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	r, err := co.Donations.CreateRecurring(c, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RecurringDonationResponse{Data: newRecurringDonation(r)})
}

// @Summary		Get recurring donations
// @Description	Returns the recurring donations of a donor
// @Tags			Recurring Donations
// @Produce		json
// @Success		200		{object}	RecurringDonationListResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		500		{object}	httputil.HTTPError
// @Param			donor	query		string	false	"Filter by donor ID"
// @Router			/v1/recurring-donations [get]
func (co Controller) GetRecurringDonations(c *gin.Context) {
	var filter DonorQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	list, err := co.Donations.ListRecurring(c, filter.Donor.UUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RecurringDonationListResponse{Data: mapAll(list, newRecurringDonation)})
}

// @Summary		Cancel recurring donation
// @Description	Stops a recurring donation. Donations that were already created are not affected.
// @Tags			Recurring Donations
// @Produce		json
// @Success		200	{object}	RecurringDonationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/recurring-donations/{id}/cancel [post]
func (co Controller) CancelRecurringDonation(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	r, err := co.Donations.CancelRecurring(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RecurringDonationResponse{Data: newRecurringDonation(r)})
}
