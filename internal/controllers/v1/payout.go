package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/payouts"
	kuuid "github.com/kindly-giving/backend/internal/uuid"
)

// RegisterPayoutRoutes registers the administrator routes for payouts with
// the RouterGroup that is passed.
func (co Controller) RegisterPayoutRoutes(r *gin.RouterGroup) {
	// Root group
	{
		r.OPTIONS("", OptionsGetPost)
		r.GET("", co.GetPayouts)
		r.POST("", co.CreatePayout)
		r.GET("/eligible", co.GetEligibleDonations)
	}

	// Payout with ID
	{
		r.OPTIONS("/:id", OptionsGet)
		r.GET("/:id", co.GetPayout)
		r.GET("/:id/donations", co.GetPayoutDonations)
		r.GET("/:id/statement", co.GetPayoutStatement)
		r.POST("/:id/execute", co.ExecutePayout)
		r.POST("/:id/cancel", co.CancelPayout)
	}
}

type PayoutResponse struct {
	Data Payout `json:"data"`
}

type PayoutListResponse struct {
	Data []Payout `json:"data"`
}

type DonationPayoutListResponse struct {
	Data []DonationPayout `json:"data"`
}

type PayoutQueryFilter struct {
	Organization kuuid.UUID          `form:"organization"`
	Status       models.PayoutStatus `form:"status"`
}

type EligibleQueryFilter struct {
	Organization kuuid.UUID          `form:"organization"`
	Currency     string              `form:"currency"`
	Cause        kuuid.UUID          `form:"cause"`
	Kind         models.DonationKind `form:"kind"`
	From         time.Time           `form:"from" time_format:"2006-01-02" time_utc:"1"`
	Until        time.Time           `form:"until" time_format:"2006-01-02" time_utc:"1"`
}

func (f EligibleQueryFilter) model() payouts.Filter {
	filter := payouts.Filter{
		OrganizationID: f.Organization.UUID,
		Currency:       f.Currency,
		CauseID:        f.Cause.Ptr(),
		Kind:           f.Kind,
	}

	if !f.From.IsZero() {
		filter.From = &f.From
	}

	if !f.Until.IsZero() {
		filter.Until = &f.Until
	}

	return filter
}

// @Summary		Create payout
// @Description	Schedules a payout of the given donations, or of all eligible donations matching the filter. If any donation is already part of an active payout, no payout is created and all contested donations are listed.
// @Tags			Payouts
// @Produce		json
// @Success		201		{object}	PayoutResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		409		{object}	ConflictResponse
// @Failure		500		{object}	httputil.HTTPError
// @Param			payout	body		payouts.Request	true	"Payout request"
// @Router			/v1/payouts [post]
func (co Controller) CreatePayout(c *gin.Context) {
	var req payouts.Request
	if err := httputil.BindData(c, &req); err != nil {
		return
	}

	co.createPayout(c, req)
}

func (co Controller) createPayout(c *gin.Context, req payouts.Request) {
	payout, err := co.Payouts.Create(c, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, PayoutResponse{Data: newPayout(c, payout)})
}

// @Summary		Get payouts
// @Description	Returns payouts, newest first
// @Tags			Payouts
// @Produce		json
// @Success		200				{object}	PayoutListResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			organization	query		string	false	"Filter by organization ID"
// @Param			status			query		string	false	"Filter by status"
// @Router			/v1/payouts [get]
func (co Controller) GetPayouts(c *gin.Context) {
	var filter PayoutQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	co.listPayouts(c, filter)
}

func (co Controller) listPayouts(c *gin.Context, filter PayoutQueryFilter) {
	list, err := co.Payouts.List(c, filter.Organization.UUID, filter.Status)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PayoutListResponse{Data: mapAll(list, func(p models.Payout) Payout {
		return newPayout(c, p)
	})})
}

// @Summary		Get eligible donations
// @Description	Returns the completed donations that can be paid out: not part of an active or paid payout and with a positive net amount left
// @Tags			Payouts
// @Produce		json
// @Success		200				{object}	DonationListResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			organization	query		string	false	"Filter by organization ID"
// @Param			currency		query		string	false	"Filter by currency"
// @Param			cause			query		string	false	"Filter by cause ID"
// @Param			kind			query		string	false	"Filter by donation kind"
// @Param			from			query		string	false	"Completed on or after this date (YYYY-MM-DD)"
// @Param			until			query		string	false	"Completed before this date (YYYY-MM-DD)"
// @Router			/v1/payouts/eligible [get]
func (co Controller) GetEligibleDonations(c *gin.Context) {
	var filter EligibleQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	co.listEligible(c, filter.model())
}

func (co Controller) listEligible(c *gin.Context, filter payouts.Filter) {
	list, err := co.Payouts.Eligible(c, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationListResponse{Data: mapAll(list, func(d models.Donation) Donation {
		return newDonation(c, d)
	})})
}

// @Summary		Get payout
// @Description	Returns a specific payout
// @Tags			Payouts
// @Produce		json
// @Success		200	{object}	PayoutResponse
// @Failure		400	{object}	httputil.HTTPError
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/payouts/{id} [get]
func (co Controller) GetPayout(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	payout, err := co.Payouts.Get(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PayoutResponse{Data: newPayout(c, payout)})
}

// @Summary		Get payout donations
// @Description	Returns the donation snapshots of a payout
// @Tags			Payouts
// @Produce		json
// @Success		200	{object}	DonationPayoutListResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/payouts/{id}/donations [get]
func (co Controller) GetPayoutDonations(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	links, err := co.Payouts.Donations(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationPayoutListResponse{Data: mapAll(links, newDonationPayout)})
}

// @Summary		Download payout statement
// @Description	Returns the donations of a payout as an Excel spreadsheet
// @Tags			Payouts
// @Produce		application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Success		200
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/payouts/{id}/statement [get]
func (co Controller) GetPayoutStatement(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	f, err := co.Payouts.Statement(c, id)
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"payout_%s.xlsx\"", id))

	if err := f.Write(c.Writer); err != nil {
		httputil.InternalError(c, err)
	}
}

// @Summary		Execute payout
// @Description	Transfers a scheduled payout to the organization. If the transfer fails, the payout fails and its donations become eligible again.
// @Tags			Payouts
// @Produce		json
// @Success		200	{object}	PayoutResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Failure		502	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/payouts/{id}/execute [post]
func (co Controller) ExecutePayout(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	payout, err := co.Payouts.Execute(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PayoutResponse{Data: newPayout(c, payout)})
}

// @Summary		Cancel payout
// @Description	Cancels a scheduled or processing payout. Its donations become eligible again.
// @Tags			Payouts
// @Produce		json
// @Success		200		{object}	PayoutResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		404		{object}	httputil.HTTPError
// @Failure		409		{object}	httputil.HTTPError
// @Param			id		path		string				true	"ID formatted as string"
// @Param			cancel	body		payouts.CancelInput	true	"Cancellation"
// @Router			/v1/payouts/{id}/cancel [post]
func (co Controller) CancelPayout(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var in payouts.CancelInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	payout, err := co.Payouts.Cancel(c, id, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PayoutResponse{Data: newPayout(c, payout)})
}
