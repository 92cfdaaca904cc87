package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/roundup"
)

// RegisterRoundUpRoutes registers the routes for round-up configurations with
// the RouterGroup that is passed.
func (co Controller) RegisterRoundUpRoutes(r *gin.RouterGroup) {
	// Root group
	{
		r.OPTIONS("", OptionsGetPost)
		r.GET("", co.GetRoundUpConfigurations)
		r.POST("", co.CreateRoundUpConfiguration)
	}

	// Configuration with ID
	{
		r.OPTIONS("/:id", OptionsGetPatch)
		r.GET("/:id", co.GetRoundUpConfiguration)
		r.PATCH("/:id", co.UpdateRoundUpConfiguration)
		r.POST("/:id/pause", co.PauseRoundUpConfiguration)
		r.POST("/:id/resume", co.ResumeRoundUpConfiguration)
		r.POST("/:id/cancel", co.CancelRoundUpConfiguration)
		r.POST("/:id/switch", co.SwitchRoundUpOrganization)
		r.GET("/:id/transactions", co.GetRoundUpTransactions)
	}
}

// OptionsGetPatch responds with the allowed HTTP verbs for an editable resource.
func OptionsGetPatch(c *gin.Context) {
	httputil.OptionsGetPatch(c)
}

type RoundUpConfigurationResponse struct {
	Data RoundUpConfiguration `json:"data"`
}

type RoundUpConfigurationListResponse struct {
	Data []RoundUpConfiguration `json:"data"`
}

type RoundUpTransactionListResponse struct {
	Data []RoundUpTransaction `json:"data"`
}

// writeRoundUp responds with the configuration returned by f.
func writeRoundUp(c *gin.Context, status int, f func() (models.RoundUpConfiguration, error)) {
	config, err := f()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(status, RoundUpConfigurationResponse{Data: newRoundUpConfiguration(c, config)})
}

// @Summary		Create round-up configuration
// @Description	Starts rounding up purchases on a bank connection toward an organization. A bank connection can only have one active configuration.
// @Tags			Round-Ups
// @Produce		json
// @Success		201				{object}	RoundUpConfigurationResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		404				{object}	httputil.HTTPError
// @Failure		409				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			configuration	body		roundup.ConfigurationInput	true	"Round-up configuration"
// @Router			/v1/roundups [post]
func (co Controller) CreateRoundUpConfiguration(c *gin.Context) {
	var in roundup.ConfigurationInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	writeRoundUp(c, http.StatusCreated, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Create(c, in)
	})
}

// @Summary		Get round-up configurations
// @Description	Returns the round-up configurations of a donor
// @Tags			Round-Ups
// @Produce		json
// @Success		200		{object}	RoundUpConfigurationListResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		500		{object}	httputil.HTTPError
// @Param			donor	query		string	false	"Filter by donor ID"
// @Router			/v1/roundups [get]
func (co Controller) GetRoundUpConfigurations(c *gin.Context) {
	var filter DonorQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	list, err := co.RoundUps.List(c, filter.Donor.UUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RoundUpConfigurationListResponse{Data: mapAll(list, func(r models.RoundUpConfiguration) RoundUpConfiguration {
		return newRoundUpConfiguration(c, r)
	})})
}

// @Summary		Get round-up configuration
// @Description	Returns a specific round-up configuration
// @Tags			Round-Ups
// @Produce		json
// @Success		200	{object}	RoundUpConfigurationResponse
// @Failure		400	{object}	httputil.HTTPError
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/roundups/{id} [get]
func (co Controller) GetRoundUpConfiguration(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Get(c, id)
	})
}

// @Summary		Update round-up configuration
// @Description	Updates the threshold and donation settings. If the current month total already reaches a lowered threshold, it is donated right away.
// @Tags			Round-Ups
// @Produce		json
// @Success		200				{object}	RoundUpConfigurationResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		404				{object}	httputil.HTTPError
// @Failure		409				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			id				path		string					true	"ID formatted as string"
// @Param			configuration	body		roundup.UpdateInput		true	"Round-up configuration"
// @Router			/v1/roundups/{id} [patch]
func (co Controller) UpdateRoundUpConfiguration(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var in roundup.UpdateInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Update(c, id, in)
	})
}

// @Summary		Pause round-ups
// @Description	Stops adding round-ups until the configuration is resumed
// @Tags			Round-Ups
// @Produce		json
// @Success		200	{object}	RoundUpConfigurationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/roundups/{id}/pause [post]
func (co Controller) PauseRoundUpConfiguration(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Pause(c, id)
	})
}

// @Summary		Resume round-ups
// @Description	Resumes a paused configuration
// @Tags			Round-Ups
// @Produce		json
// @Success		200	{object}	RoundUpConfigurationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/roundups/{id}/resume [post]
func (co Controller) ResumeRoundUpConfiguration(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Resume(c, id)
	})
}

// @Summary		Cancel round-ups
// @Description	Ends the configuration. With automatic donation enabled, the remaining total is donated if it reaches the minimum donation.
// @Tags			Round-Ups
// @Produce		json
// @Success		200	{object}	RoundUpConfigurationResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/roundups/{id}/cancel [post]
func (co Controller) CancelRoundUpConfiguration(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Cancel(c, id)
	})
}

// @Summary		Switch organization
// @Description	Moves the configuration to another organization. Switches are limited to one per switch interval.
// @Tags			Round-Ups
// @Produce		json
// @Success		200				{object}	RoundUpConfigurationResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		404				{object}	httputil.HTTPError
// @Failure		409				{object}	SwitchTooSoonResponse
// @Param			id				path		string				true	"ID formatted as string"
// @Param			organization	body		roundup.SwitchInput	true	"New organization"
// @Router			/v1/roundups/{id}/switch [post]
func (co Controller) SwitchRoundUpOrganization(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var in roundup.SwitchInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	writeRoundUp(c, http.StatusOK, func() (models.RoundUpConfiguration, error) {
		return co.RoundUps.Switch(c, id, in)
	})
}

// @Summary		Get round-up transactions
// @Description	Returns the classified bank transactions of a configuration, newest first
// @Tags			Round-Ups
// @Produce		json
// @Success		200	{object}	RoundUpTransactionListResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		500	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/roundups/{id}/transactions [get]
func (co Controller) GetRoundUpTransactions(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	list, err := co.RoundUps.Transactions(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RoundUpTransactionListResponse{Data: mapAll(list, newRoundUpTransaction)})
}

// RegisterBankConnectionRoutes registers the routes for bank connections with
// the RouterGroup that is passed.
func (co Controller) RegisterBankConnectionRoutes(r *gin.RouterGroup) {
	r.OPTIONS("", OptionsGetPost)
	r.GET("", co.GetBankConnections)
	r.POST("", co.CreateBankConnection)
	r.POST("/:id/sync", co.SyncBankConnection)
	r.POST("/:id/transactions", co.IngestTransactions)
}

type BankConnectionResponse struct {
	Data BankConnection `json:"data"`
}

type BankConnectionListResponse struct {
	Data []BankConnection `json:"data"`
}

type IngestResponse struct {
	Data roundup.Result `json:"data"`
}

// @Summary		Create bank connection
// @Description	Registers a donor's account at the bank aggregator
// @Tags			Bank Connections
// @Produce		json
// @Success		201			{object}	BankConnectionResponse
// @Failure		400			{object}	httputil.HTTPError
// @Failure		500			{object}	httputil.HTTPError
// @Param			connection	body		roundup.BankConnectionInput	true	"Bank connection"
// @Router			/v1/bank-connections [post]
func (co Controller) CreateBankConnection(c *gin.Context) {
	var in roundup.BankConnectionInput
	if err := httputil.BindData(c, &in); err != nil {
		return
	}

	conn, err := co.Syncer.CreateBankConnection(c, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, BankConnectionResponse{Data: newBankConnection(conn)})
}

// @Summary		Get bank connections
// @Description	Returns the bank connections of a donor
// @Tags			Bank Connections
// @Produce		json
// @Success		200		{object}	BankConnectionListResponse
// @Failure		400		{object}	httputil.HTTPError
// @Failure		500		{object}	httputil.HTTPError
// @Param			donor	query		string	false	"Filter by donor ID"
// @Router			/v1/bank-connections [get]
func (co Controller) GetBankConnections(c *gin.Context) {
	var filter DonorQueryFilter
	if err := httputil.BindQuery(c, &filter); err != nil {
		return
	}

	list, err := co.Syncer.BankConnections(c, filter.Donor.UUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, BankConnectionListResponse{Data: mapAll(list, newBankConnection)})
}

// @Summary		Sync bank connection
// @Description	Pulls new transactions from the aggregator and adds their round-ups
// @Tags			Bank Connections
// @Produce		json
// @Success		200	{object}	IngestResponse
// @Failure		404	{object}	httputil.HTTPError
// @Failure		409	{object}	httputil.HTTPError
// @Failure		502	{object}	httputil.HTTPError
// @Param			id	path		string	true	"ID formatted as string"
// @Router			/v1/bank-connections/{id}/sync [post]
func (co Controller) SyncBankConnection(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	result, err := co.Syncer.Sync(c, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, IngestResponse{Data: result})
}

// @Summary		Ingest transactions
// @Description	Adds the round-ups of transactions pushed by the aggregator. Transactions that were received before are counted as duplicates.
// @Tags			Bank Connections
// @Produce		json
// @Success		200				{object}	IngestResponse
// @Failure		400				{object}	httputil.HTTPError
// @Failure		404				{object}	httputil.HTTPError
// @Failure		500				{object}	httputil.HTTPError
// @Param			id				path		string						true	"ID formatted as string"
// @Param			transactions	body		[]aggregator.Transaction	true	"Transactions"
// @Router			/v1/bank-connections/{id}/transactions [post]
func (co Controller) IngestTransactions(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}

	var transactions []aggregator.Transaction
	if err := httputil.BindData(c, &transactions); err != nil {
		return
	}

	result, err := co.RoundUps.Ingest(c, id, transactions)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, IngestResponse{Data: result})
}
