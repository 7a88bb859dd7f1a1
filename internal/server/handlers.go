package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/listing"
	"card-deal-alerts/internal/upstream"
)

// SnapshotSource serves the in-memory listing snapshot and spot price.
type SnapshotSource interface {
	Snapshot() ([]listing.Listing, time.Time)
	SpotPrice(ctx context.Context) (*decimal.Decimal, bool)
}

// MarketGateway covers the upstream operations exposed through the API.
type MarketGateway interface {
	AdminListings(ctx context.Context, q upstream.AdminQuery) (upstream.AdminListingPage, error)
	WalletTokens(ctx context.Context, wallet string, offset, limit int) ([]upstream.HoldingToken, error)
	BuyInstruction(ctx context.Context, req upstream.BuyRequest) (string, error)
	TriggerRecheck(ctx context.Context) error
	TriggerSync(ctx context.Context) error
}

// Options wire the HTTP API surface.
type Options struct {
	Source       SnapshotSource
	Market       MarketGateway
	Hub          *Hub
	Sessions     *SessionStore
	ProxyTarget  string
	ProxyTimeout time.Duration
	PushState    func() string
}

type api struct {
	opts   Options
	logger zerolog.Logger
}

// NewRouter assembles the gin engine with all API routes.
func NewRouter(opts Options, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	a := &api{opts: opts, logger: logger.With().Str("component", "http").Logger()}

	engine := gin.New()
	engine.Use(gin.Recovery(), a.requestLogger())

	engine.GET("/healthz", a.handleHealth)

	root := engine.Group("/api")
	{
		root.GET("/listings", a.handleListings)
		root.GET("/price", a.handlePrice)
		root.GET("/status", a.handleStatus)
		root.GET("/events", opts.Hub.handleEvents)

		root.POST("/auth/login", a.handleLogin)
		root.POST("/auth/logout", a.handleLogout)
		root.GET("/auth/session", opts.Sessions.RequireSession(), a.handleSession)
	}

	authed := engine.Group("/api", opts.Sessions.RequireSession())
	{
		authed.GET("/wallets/:wallet/tokens", a.handleWalletTokens)
		authed.POST("/buy", a.handleBuy)
	}

	admin := engine.Group("/api/admin", opts.Sessions.RequireAdmin())
	{
		admin.GET("/listings", a.handleAdminListings)
		admin.POST("/recheck", a.handleRecheck)
		admin.POST("/sync", a.handleSync)
	}

	engine.NoRoute(a.proxyHandler())

	return engine
}

func (a *api) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *api) handleListings(c *gin.Context) {
	snapshot, snapshotAt := a.opts.Source.Snapshot()
	spot, _ := a.opts.Source.SpotPrice(c.Request.Context())

	query := listing.Query{
		Search: c.Query("search"),
		Filter: c.DefaultQuery("filter", listing.FilterAll),
		Sort:   c.DefaultQuery("sort", listing.SortListedTime),
		Window: parseWindow(c.Query("window")),
	}

	full := listing.Apply(snapshot, query, spot)
	total := len(full)

	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 0)
	if offset > len(full) {
		offset = len(full)
	}
	page := full[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"data":        page,
		"total":       total,
		"spot_usd":    decimalOrNull(spot),
		"snapshot_at": timeOrNull(snapshotAt),
	})
}

func (a *api) handlePrice(c *gin.Context) {
	spot, known := a.opts.Source.SpotPrice(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"spot_usd": decimalOrNull(spot),
		"known":    known,
	})
}

func (a *api) handleStatus(c *gin.Context) {
	snapshot, snapshotAt := a.opts.Source.Snapshot()

	status := gin.H{
		"listings":    len(snapshot),
		"snapshot_at": timeOrNull(snapshotAt),
		"subscribers": a.opts.Hub.Subscribers(),
	}
	if a.opts.PushState != nil {
		status["push_state"] = a.opts.PushState()
	}
	c.JSON(http.StatusOK, status)
}

type loginRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (a *api) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet, message and signature are required"})
		return
	}

	session, err := a.opts.Sessions.Login(req.Wallet, req.Message, req.Signature)
	if err != nil {
		status := http.StatusUnauthorized
		if err == errBadMessage {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, session)
}

func (a *api) handleLogout(c *gin.Context) {
	if token := bearerToken(c); token != "" {
		a.opts.Sessions.Logout(token)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *api) handleSession(c *gin.Context) {
	session, ok := currentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, session)
}

type walletToken struct {
	Mint           string             `json:"mint"`
	Name           string             `json:"name"`
	Image          string             `json:"image"`
	Grade          string             `json:"grade,omitempty"`
	GradingCompany string             `json:"grading_company,omitempty"`
	GradingID      listing.FlexString `json:"grading_id,omitempty"`
	Supply         *int64             `json:"supply,omitempty"`
}

func (a *api) handleWalletTokens(c *gin.Context) {
	wallet := c.Param("wallet")
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 0)

	tokens, err := a.opts.Market.WalletTokens(c.Request.Context(), wallet, offset, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Holdings default to graded Pokemon cards; ?category=all disables the
	// trait filter.
	category := c.DefaultQuery("category", "Pokemon")

	out := make([]walletToken, 0, len(tokens))
	for _, t := range tokens {
		if category != "all" && len(t.Attributes) > 0 && !t.HasTrait("Category", category) {
			continue
		}
		out = append(out, walletToken{
			Mint:           t.MintAddress(),
			Name:           t.Name,
			Image:          t.ImageURL(),
			Grade:          t.Grade,
			GradingCompany: t.GradingCompany,
			GradingID:      t.GradingID,
			Supply:         t.Supply,
		})
	}

	c.JSON(http.StatusOK, gin.H{"tokens": out, "total": len(out)})
}

type buyRequest struct {
	Buyer       string `json:"buyer"`
	TokenMint   string `json:"token_mint" binding:"required"`
	Price       string `json:"price" binding:"required"`
	PriorityFee string `json:"priority_fee"`
}

func (a *api) handleBuy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_mint and price are required"})
		return
	}

	buyer := req.Buyer
	if session, ok := currentSession(c); ok && buyer == "" {
		buyer = session.Wallet
	}
	if buyer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer wallet is required"})
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be a positive decimal"})
		return
	}

	buy := upstream.BuyRequest{Buyer: buyer, TokenMint: req.TokenMint, Price: price}
	if req.PriorityFee != "" {
		fee, feeErr := decimal.NewFromString(req.PriorityFee)
		if feeErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority_fee must be a decimal"})
			return
		}
		buy.PriorityFee = &fee
	}

	tx, err := a.opts.Market.BuyInstruction(c.Request.Context(), buy)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tx": tx})
}

func (a *api) handleAdminListings(c *gin.Context) {
	query := upstream.AdminQuery{
		Page:           intQuery(c, "page", 1),
		Limit:          intQuery(c, "limit", 50),
		SortBy:         c.Query("sort_by"),
		Order:          c.Query("order"),
		Search:         c.Query("search"),
		Category:       c.Query("category"),
		GradingCompany: c.Query("grading_company"),
	}
	if raw := c.Query("is_listed"); raw != "" {
		v := raw == "true"
		query.IsListed = &v
	}

	page, err := a.opts.Market.AdminListings(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *api) handleRecheck(c *gin.Context) {
	if err := a.opts.Market.TriggerRecheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

func (a *api) handleSync(c *gin.Context) {
	if err := a.opts.Market.TriggerSync(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

// parseWindow accepts a Go duration string or a bare minute count.
func parseWindow(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return 0
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func decimalOrNull(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func timeOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
