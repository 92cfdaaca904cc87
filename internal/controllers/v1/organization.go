package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/payouts"
	"github.com/kindly-giving/backend/internal/types"
	kuuid "github.com/kindly-giving/backend/internal/uuid"
)

// RegisterOrganizationRoutes registers the routes an organization uses to
// follow its money with the RouterGroup that is passed.
func (co Controller) RegisterOrganizationRoutes(r *gin.RouterGroup) {
	r.OPTIONS("/:id/payouts", OptionsGetPost)
	r.GET("/:id/payouts", co.GetOrganizationPayouts)
	r.POST("/:id/payouts", co.CreateOrganizationPayout)
	r.GET("/:id/eligible", co.GetOrganizationEligible)
	r.GET("/:id/balance", co.GetOrganizationBalance)
	r.GET("/:id/paid-donations", co.GetPaidDonations)
}

type Balance struct {
	OrganizationID uuid.UUID   `json:"organizationId"`
	Currency       string      `json:"currency" example:"AUD"`
	Balance        types.Money `json:"balance" swaggertype:"string" example:"512.30"` // Negative when refunds of paid donations are owed
}

type BalanceResponse struct {
	Data Balance `json:"data"`
}

type BalanceQueryFilter struct {
	Currency string `form:"currency"`
}

type OrganizationPayoutQueryFilter struct {
	Status models.PayoutStatus `form:"status"`
}

type PaidQueryFilter struct {
	From  time.Time `form:"from" time_format:"2006-01-02" time_utc:"1"`
	Until time.Time `form:"until" time_format:"2006-01-02" time_utc:"1"`
}

// @Summary		Get payouts of an organization
// @Description	Returns the payouts of an organization, newest first
// @Tags			Organizations
// @Produce		json
// @Success		200		{object}	PayoutListResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		500		{object}	httputil.HTTPError
// @Param			id		path		string	true	"Organization ID"
// @Param			status	query		string	false	"Filter by status"
// @Router			/v1/organizations/{id}/payouts [get]
func (co Controller) GetOrganizationPayouts(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var filter OrganizationPayoutQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	co.listPayouts(c, PayoutQueryFilter{
		Organization: kuuid.UUID{UUID: id},
		Status:       filter.Status,
	})
}

// @Summary		Request payout
// @Description	Schedules a payout for the organization. The organization in the body is ignored.
// @Tags			Organizations
// @Produce		json
// @Success		201		{object}	PayoutResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		409		{object}	ConflictResponse
// @Failure		500		{object}	httputil.HTTPError
// @Param			id		path		string			true	"Organization ID"
// @Param			payout	body		payouts.Request	true	"Payout request"
// @Router			/v1/organizations/{id}/payouts [post]
func (co Controller) CreateOrganizationPayout(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var req payouts.Request
	if err := httputil.BindData(c, &req); err != nil {
		return
	}
	req.OrganizationID = id

	co.createPayout(c, req)
}

// @Summary		Get eligible donations of an organization
// @Description	Returns the completed donations of the organization that can be paid out
// @Tags			Organizations
// @Produce		json
// @Success		200	{object}	DonationListResponse
// @Failure		400	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"Organization ID"
// @Router			/v1/organizations/{id}/eligible [get]
func (co Controller) GetOrganizationEligible(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var filter EligibleQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}
	filter.Organization = kuuid.UUID{UUID: id}

	co.listEligible(c, filter.model())
}

// @Summary		Get balance
// @Description	Returns the net ledger balance of an organization: completed donations minus refund reversals minus executed payouts
// @Tags			Organizations
// @Produce		json
// @Success		200			{object}	BalanceResponse
// @Failure		400			{object}	httputil.HTTPError
// @Failure		500			{object}	httputil.HTTPError
// @Param			id			path		string	true	"Organization ID"
// @Param			currency	query		string	false	"Currency, defaults to the configured currency"
// @Router			/v1/organizations/{id}/balance [get]
func (co Controller) GetOrganizationBalance(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var filter BalanceQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	currency := co.Currency
	if filter.Currency != "" {
		currency = filter.Currency
	}

	currency, err := models.NormalizeCurrency(currency)
	if err != nil {
		respondError(c, err)
		return
	}

	balance, err := co.Payouts.Balance(c, id, currency)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{Data: Balance{
		OrganizationID: id,
		Currency:       currency,
		Balance:        types.NewMoney(balance),
	}})
}

// @Summary		Get paid donations
// @Description	Returns the donation payouts of an organization that were paid in the date range
// @Tags			Organizations
// @Produce		json
// @Success		200		{object}	DonationPayoutListResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		500		{object}	httputil.HTTPError
// @Param			id		path		string	true	"Organization ID"
// @Param			from	query		string	false	"Paid on or after this date (YYYY-MM-DD)"
// @Param			until	query		string	false	"Paid before this date (YYYY-MM-DD)"
// @Router			/v1/organizations/{id}/paid-donations [get]
func (co Controller) GetPaidDonations(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var filter PaidQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	paid, err := co.Payouts.PaidDonations(c, id, filter.From, filter.Until)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DonationPayoutListResponse{Data: mapAll(paid, newDonationPayout)})
}
