package router

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	docs "github.com/kindly-giving/backend/api"
	"github.com/kindly-giving/backend/internal/controllers/healthz"
	v1 "github.com/kindly-giving/backend/internal/controllers/v1"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"
)

// This is set at build time, see Makefile.
var version = "0.0.0"

// Version returns the version of the backend.
func Version() string {
	return version
}

// Options configures the router.
type Options struct {
	URL          *url.URL // Public URL of the API
	AllowOrigins []string // CORS origins. Empty disables CORS handling
	EnablePprof  bool
}

// Config creates the router with all middlewares. Each router has its own
// Prometheus registry that AttachRoutes exposes at /metrics.
func Config(opts Options) (*gin.Engine, *prometheus.Registry, error) {
	// Set up the router and middlewares
	r := gin.New()

	// Don’t process X-Forwarded-For header as we do not do anything with
	// client IPs
	r.ForwardedByClientIP = false

	// Send a HTTP 405 (Method not allowed) for all paths where there is
	// a handler, but not for the specific method used
	r.HandleMethodNotAllowed = true

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, nil, err
	}
	_ = registry.Register(collectors.NewGoCollector())

	r.Use(gin.Recovery())
	r.Use(requestid.New())
	r.Use(URLMiddleware(opts.URL))
	r.Use(metrics.Middleware())
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, httputil.HTTPError{Error: "this HTTP method is not allowed for the endpoint you called"})
	})
	r.Use(logger.SetLogger(
		logger.WithDefaultLevel(zerolog.InfoLevel),
		logger.WithClientErrorLevel(zerolog.InfoLevel),
		logger.WithServerErrorLevel(zerolog.ErrorLevel),
		logger.WithLogger(func(c *gin.Context, l zerolog.Logger) zerolog.Logger {
			return l.With().
				Str("request-id", requestid.Get(c)).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Int("status", c.Writer.Status()).
				Int("size", c.Writer.Size()).
				Str("user-agent", c.Request.UserAgent()).
				Logger()
		})))

	// CORS settings
	if len(opts.AllowOrigins) > 0 {
		log.Debug().Strs("CORS Allowed Origins", opts.AllowOrigins).Msg("Router")

		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowOrigins,
			AllowMethods:     []string{"OPTIONS", "GET", "POST", "PATCH", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Disable the gin debug route printing as it clutters logs (and test logs)
	gin.DebugPrintRouteFunc = func(_, _, _ string, _ int) {}

	// Don’t trust any proxy. We do not process any client IPs,
	// therefore we don’t need to trust anyone here.
	_ = r.SetTrustedProxies([]string{})

	if opts.EnablePprof {
		pprof.Register(r, "debug/pprof")
	}

	host, path := "", ""
	if opts.URL != nil {
		host, path = opts.URL.Host, opts.URL.Path
		log.Debug().Str("API Base URL", opts.URL.String()).Str("Host", host).Str("Path", path).Msg("Router")
	}
	log.Info().Str("version", version).Msg("Router")

	docs.SwaggerInfo.Host = host
	docs.SwaggerInfo.BasePath = path
	docs.SwaggerInfo.Title = "Kindly"
	docs.SwaggerInfo.Version = version
	docs.SwaggerInfo.Description = "Reconciles donations from charge to payout: fee splits, round-ups, the donation lifecycle and organization payouts."

	return r, registry, nil
}

// URLMiddleware stores the public API URL in the context so that
// links point to it.
func URLMiddleware(u *url.URL) gin.HandlerFunc {
	base := ""
	if u != nil {
		base = strings.TrimSuffix(u.String(), "/")
	}

	return func(c *gin.Context) {
		if base != "" {
			c.Set(httputil.ContextURL, base)
		}
	}
}

// AttachRoutes attaches the API routes to the router group that is passed in
// Separating this from Config() allows us to attach it to different
// paths for different use cases.
func AttachRoutes(co v1.Controller, db *gorm.DB, registry *prometheus.Registry, group *gin.RouterGroup) {
	group.GET("", GetRoot)
	group.OPTIONS("", OptionsRoot)
	group.GET("/version", GetVersion)
	group.OPTIONS("/version", OptionsVersion)
	group.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	group.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	healthz.RegisterRoutes(group.Group("/healthz"), db)

	// API v1 setup
	v1Group := group.Group("/v1")
	{
		v1Group.GET("", GetV1)
		v1Group.OPTIONS("", OptionsV1)
	}

	co.RegisterDonationRoutes(v1Group.Group("/donations"))
	co.RegisterRecurringRoutes(v1Group.Group("/recurring-donations"))
	co.RegisterRoundUpRoutes(v1Group.Group("/roundups"))
	co.RegisterBankConnectionRoutes(v1Group.Group("/bank-connections"))
	co.RegisterPayoutRoutes(v1Group.Group("/payouts"))
	co.RegisterOrganizationRoutes(v1Group.Group("/organizations"))
	co.RegisterFeeRoutes(v1Group.Group("/fees"))
	co.RegisterWebhookRoutes(v1Group.Group("/webhooks"))
}

type RootResponse struct {
	Links RootLinks `json:"links"`
}

type RootLinks struct {
	Docs    string `json:"docs" example:"https://example.com/api/docs/index.html"` // Swagger API documentation
	Healthz string `json:"healthz" example:"https://example.com/api/healthz"`      // Health check
	Version string `json:"version" example:"https://example.com/api/version"`      // Endpoint returning the version of the backend
	Metrics string `json:"metrics" example:"https://example.com/api/metrics"`      // Prometheus metrics
	V1      string `json:"v1" example:"https://example.com/api/v1"`                // List endpoint for all v1 endpoints
}

// GetRoot returns the link list for the API root
//
//	@Summary		API root
//	@Description	Entrypoint for the API, listing all endpoints
//	@Tags			General
//	@Success		200	{object}	RootResponse
//	@Router			/ [get]
func GetRoot(c *gin.Context) {
	url := httputil.BaseURL(c)

	c.JSON(http.StatusOK, RootResponse{
		Links: RootLinks{
			Docs:    url + "/docs/index.html",
			Healthz: url + "/healthz",
			Version: url + "/version",
			Metrics: url + "/metrics",
			V1:      url + "/v1",
		},
	})
}

type VersionResponse struct {
	Data VersionObject `json:"data"` // Data object for the version endpoint
}

type VersionObject struct {
	Version string `json:"version" example:"1.1.0"` // the running version of the backend
}

// GetVersion returns the API version object
//
//	@Summary		API version
//	@Description	Returns the software version of the API
//	@Tags			General
//	@Success		200	{object}	VersionResponse
//	@Router			/version [get]
func GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, VersionResponse{
		Data: VersionObject{
			Version: version,
		},
	})
}

// OptionsRoot returns the allowed HTTP methods
//
//	@Summary		Allowed HTTP verbs
//	@Description	Returns an empty response with the HTTP Header "allow" set to the allowed HTTP verbs
//	@Tags			General
//	@Success		204
//	@Router			/ [options]
func OptionsRoot(c *gin.Context) {
	httputil.OptionsGet(c)
}

// OptionsVersion returns the allowed HTTP methods
//
//	@Summary		Allowed HTTP verbs
//	@Description	Returns an empty response with the HTTP Header "allow" set to the allowed HTTP verbs
//	@Tags			General
//	@Success		204
//	@Router			/version [options]
func OptionsVersion(c *gin.Context) {
	httputil.OptionsGet(c)
}

type V1Response struct {
	Links V1Links `json:"links"`
}

type V1Links struct {
	Donations          string `json:"donations" example:"https://example.com/api/v1/donations"`
	RecurringDonations string `json:"recurringDonations" example:"https://example.com/api/v1/recurring-donations"`
	RoundUps           string `json:"roundUps" example:"https://example.com/api/v1/roundups"`
	BankConnections    string `json:"bankConnections" example:"https://example.com/api/v1/bank-connections"`
	Payouts            string `json:"payouts" example:"https://example.com/api/v1/payouts"`
	FeeQuote           string `json:"feeQuote" example:"https://example.com/api/v1/fees/quote"`
}

// GetV1 returns the link list for v1
//
//	@Summary		v1 API
//	@Description	Returns general information about the v1 API
//	@Tags			General
//	@Success		200	{object}	V1Response
//	@Router			/v1 [get]
func GetV1(c *gin.Context) {
	url := httputil.BaseURL(c) + "/v1"

	c.JSON(http.StatusOK, V1Response{
		Links: V1Links{
			Donations:          url + "/donations",
			RecurringDonations: url + "/recurring-donations",
			RoundUps:           url + "/roundups",
			BankConnections:    url + "/bank-connections",
			Payouts:            url + "/payouts",
			FeeQuote:           url + "/fees/quote",
		},
	})
}

// OptionsV1 returns the allowed HTTP methods
//
//	@Summary		Allowed HTTP verbs
//	@Description	Returns an empty response with the HTTP Header "allow" set to the allowed HTTP verbs
//	@Tags			General
//	@Success		204
//	@Router			/v1 [options]
func OptionsV1(c *gin.Context) {
	httputil.OptionsGet(c)
}
