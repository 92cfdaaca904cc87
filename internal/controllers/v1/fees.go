package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/types"
)

// RegisterFeeRoutes registers the routes for fee quotes with the
// RouterGroup that is passed.
func (co Controller) RegisterFeeRoutes(r *gin.RouterGroup) {
	r.OPTIONS("/quote", OptionsGet)
	r.GET("/quote", co.GetFeeQuote)
}

// FeeQuote is the fee split for a donation amount.
type FeeQuote struct {
	Currency           string      `json:"currency" example:"AUD"`
	BaseAmount         types.Money `json:"baseAmount" swaggertype:"string" example:"100.00"`
	FeesCoveredByDonor bool        `json:"feesCoveredByDonor" example:"true"`
	PlatformFee        types.Money `json:"platformFee" swaggertype:"string" example:"5.00"`
	TaxOnFee           types.Money `json:"taxOnFee" swaggertype:"string" example:"0.50"`
	ProcessorFee       types.Money `json:"processorFee" swaggertype:"string" example:"2.18"`
	ChargeAmount       types.Money `json:"chargeAmount" swaggertype:"string" example:"107.68"` // What the donor is charged
	NetToOrg           types.Money `json:"netToOrg" swaggertype:"string" example:"100.00"`     // What the organization receives
}

type FeeQuoteResponse struct {
	Data FeeQuote `json:"data"`
}

type FeeQuoteQueryFilter struct {
	Amount  types.Money `form:"amount"`
	Covered bool        `form:"covered"`
}

// @Summary		Quote fees
// @Description	Returns the fee split for a donation amount without creating a donation
// @Tags			Fees
// @Produce		json
// @Success		200		{object}	FeeQuoteResponse
// @Failure		400		{object}	httputil.HTTPError
// @Param			amount	query		string	true	"Base amount of the donation"
// @Param			covered	query		bool	false	"Does the donor cover the fees?"
// @Router			/v1/fees/quote [get]
func (co Controller) GetFeeQuote(c *gin.Context) {
	var filter FeeQuoteQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	if !c.Request.URL.Query().Has("amount") {
		httputil.NewError(c, http.StatusBadRequest, errAmountMissing)
		return
	}

	split, err := fees.Compute(filter.Amount.Decimal(), filter.Covered, co.Policy)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, FeeQuoteResponse{Data: FeeQuote{
		Currency:           co.Currency,
		BaseAmount:         types.NewMoney(split.BaseAmount),
		FeesCoveredByDonor: split.FeesCoveredByDonor,
		PlatformFee:        types.NewMoney(split.PlatformFee),
		TaxOnFee:           types.NewMoney(split.GSTOnFee),
		ProcessorFee:       types.NewMoney(split.ProcessorFee),
		ChargeAmount:       types.NewMoney(split.ChargeAmount),
		NetToOrg:           types.NewMoney(split.NetToOrg),
	}})
}
