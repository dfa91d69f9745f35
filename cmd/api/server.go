package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"agentmarket/apperr"
	"agentmarket/auth"
	"agentmarket/deal"
	"agentmarket/dispute"
	"agentmarket/expiry"
	"agentmarket/listing"
	"agentmarket/matching"
)

const (
	ctxKeyAgentID = "agent_id"
	ctxKeyRole    = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (auth.RegisterResult, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetAgent(ctx context.Context, agentID string) (auth.Agent, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type listingService interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.CreateResult, error)
	Get(ctx context.Context, id string) (listing.Listing, error)
	ListForAgent(ctx context.Context, agentID string, activeOnly bool) ([]listing.Listing, error)
	Deactivate(ctx context.Context, id, agentID string) (listing.Listing, error)
}

type matchResolver interface {
	Resolve(ctx context.Context, listingID string) ([]matching.Result, error)
}

type dealService interface {
	Get(ctx context.Context, matchID, agentID string) (deal.Deal, error)
	ListForAgent(ctx context.Context, agentID string, status deal.Status) ([]deal.Deal, error)
	ListMessages(ctx context.Context, matchID, agentID string) ([]deal.Message, error)
	SendMessage(ctx context.Context, p deal.SendMessageParams) (deal.MessageResult, error)
	Approve(ctx context.Context, p deal.VoteParams) (deal.VoteResult, error)
	Reject(ctx context.Context, p deal.VoteParams) (deal.VoteResult, error)
	Start(ctx context.Context, p deal.StartParams) (deal.Deal, error)
	Complete(ctx context.Context, p deal.CompleteParams) (deal.CompleteResult, error)
	Cancel(ctx context.Context, p deal.CancelParams) (deal.Deal, error)
}

type disputeService interface {
	File(ctx context.Context, p dispute.FileParams) (dispute.FileResult, error)
	Resolve(ctx context.Context, p dispute.ResolveParams) (dispute.ResolveResult, error)
	List(ctx context.Context, matchID, agentID string) ([]dispute.Record, error)
}

type sweeper interface {
	Sweep(ctx context.Context, p expiry.Params) (expiry.Report, error)
	Preview(ctx context.Context, p expiry.Params) (expiry.Report, error)
}

// Server holds the HTTP handlers and the services they call.
type Server struct {
	authService    authService
	listingService listingService
	resolver       matchResolver
	dealService    dealService
	disputeService disputeService
	sweeper        sweeper
	ready          func(ctx context.Context) error
	log            *zap.Logger
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	if s.log == nil {
		s.log = zap.NewNop()
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log, true))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/auth/register", s.handleRegister)
	v1.POST("/auth/login", s.handleLogin)

	protected := v1.Group("")
	protected.Use(s.requireAgent())
	protected.GET("/agents/me", s.handleMe)

	protected.POST("/listings", s.handleCreateListing)
	protected.GET("/listings", s.handleListListings)
	protected.GET("/listings/:id", s.handleGetListing)
	protected.DELETE("/listings/:id", s.handleDeactivateListing)
	protected.POST("/listings/:id/resolve", s.handleResolveListing)

	protected.GET("/matches", s.handleListMatches)
	protected.GET("/matches/:id", s.handleGetMatch)
	protected.GET("/matches/:id/messages", s.handleListMessages)
	protected.POST("/matches/:id/messages", s.handleSendMessage)
	protected.POST("/matches/:id/approve", s.handleVote(true))
	protected.POST("/matches/:id/reject", s.handleVote(false))
	protected.POST("/matches/:id/start", s.handleStart)
	protected.POST("/matches/:id/complete", s.handleComplete)
	protected.POST("/matches/:id/cancel", s.handleCancel)
	protected.GET("/matches/:id/disputes", s.handleListDisputes)
	protected.POST("/matches/:id/disputes", s.handleFileDispute)
	protected.POST("/matches/:id/disputes/resolve", s.handleResolveDispute)

	admin := protected.Group("/admin")
	admin.Use(requireRole(auth.RoleAdmin))
	admin.POST("/expiry/sweep", s.handleSweep)
	admin.GET("/expiry/preview", s.handlePreview)

	return router
}

// problem is an RFC 7807 error body.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	detail := err.Error()
	if kind == apperr.Internal {
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		detail = "internal error"
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, problem{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
		Kind:     string(kind),
	})
}

// bind decodes an optional JSON body into dst. An empty body leaves dst as is.
func bind(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Errorf(apperr.Validation, "request: malformed body: %v", err)
	}
	return nil
}

func (s *Server) requireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(c, apperr.Errorf(apperr.Unauthorized, "auth: bearer token required"))
			return
		}
		agentID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Set(ctxKeyAgentID, agentID)
		c.Set(ctxKeyRole, role)
		c.Next()
	}
}

func requireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentRole(c) != role {
			c.Header("Content-Type", "application/problem+json")
			c.AbortWithStatusJSON(http.StatusForbidden, problem{
				Type:   "about:blank",
				Title:  http.StatusText(http.StatusForbidden),
				Status: http.StatusForbidden,
				Detail: "requires role " + string(role),
				Kind:   string(apperr.Forbidden),
			})
			return
		}
		c.Next()
	}
}

func currentAgent(c *gin.Context) string {
	return c.GetString(ctxKeyAgentID)
}

func currentRole(c *gin.Context) auth.Role {
	role, _ := c.Get(ctxKeyRole)
	r, _ := role.(auth.Role)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.authService.Register(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.authService.Login(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleMe(c *gin.Context) {
	agent, err := s.authService.GetAgent(c.Request.Context(), currentAgent(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type createListingRequest struct {
	Side        listing.Side   `json:"side"`
	Category    string         `json:"category"`
	Params      listing.Params `json:"params"`
	Description string         `json:"description"`
}

type createListingResponse struct {
	Listing    listing.Listing   `json:"listing"`
	Superseded []string          `json:"superseded"`
	Matches    []matching.Result `json:"matches"`
}

// handleCreateListing stores the listing and resolves its matches in the
// same request, so the caller sees counterparts immediately.
func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	created, err := s.listingService.Create(c.Request.Context(), listing.CreateParams{
		AgentID:     currentAgent(c),
		Side:        req.Side,
		Category:    req.Category,
		Params:      req.Params,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	matches, err := s.resolver.Resolve(c.Request.Context(), created.Listing.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createListingResponse{
		Listing:    created.Listing,
		Superseded: nonNil(created.Superseded),
		Matches:    nonNil(matches),
	})
}

func (s *Server) handleListListings(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	items, err := s.listingService.ListForAgent(c.Request.Context(), currentAgent(c), activeOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (s *Server) handleGetListing(c *gin.Context) {
	l, err := s.listingService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleDeactivateListing(c *gin.Context) {
	l, err := s.listingService.Deactivate(c.Request.Context(), c.Param("id"), currentAgent(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleResolveListing(c *gin.Context) {
	l, err := s.listingService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if l.AgentID != currentAgent(c) {
		s.writeError(c, listing.ErrForbidden)
		return
	}
	matches, err := s.resolver.Resolve(c.Request.Context(), l.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(matches)})
}

func (s *Server) handleListMatches(c *gin.Context) {
	items, err := s.dealService.ListForAgent(c.Request.Context(), currentAgent(c), deal.Status(c.Query("status")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (s *Server) handleGetMatch(c *gin.Context) {
	d, err := s.dealService.Get(c.Request.Context(), c.Param("id"), currentAgent(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleListMessages(c *gin.Context) {
	items, err := s.dealService.ListMessages(c.Request.Context(), c.Param("id"), currentAgent(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

type sendMessageRequest struct {
	Content       string           `json:"content"`
	Type          deal.MessageType `json:"message_type"`
	ProposedTerms map[string]any   `json:"proposed_terms"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.dealService.SendMessage(c.Request.Context(), deal.SendMessageParams{
		MatchID:       c.Param("id"),
		AgentID:       currentAgent(c),
		Content:       req.Content,
		Type:          req.Type,
		ProposedTerms: req.ProposedTerms,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleVote(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := deal.VoteParams{MatchID: c.Param("id"), AgentID: currentAgent(c)}
		var (
			res deal.VoteResult
			err error
		)
		if approve {
			res, err = s.dealService.Approve(c.Request.Context(), p)
		} else {
			res, err = s.dealService.Reject(c.Request.Context(), p)
		}
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleStart(c *gin.Context) {
	d, err := s.dealService.Start(c.Request.Context(), deal.StartParams{MatchID: c.Param("id"), AgentID: currentAgent(c)})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleComplete(c *gin.Context) {
	var req struct {
		Evidence string `json:"evidence"`
	}
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.dealService.Complete(c.Request.Context(), deal.CompleteParams{
		MatchID:  c.Param("id"),
		AgentID:  currentAgent(c),
		Evidence: req.Evidence,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	d, err := s.dealService.Cancel(c.Request.Context(), deal.CancelParams{
		MatchID: c.Param("id"),
		AgentID: currentAgent(c),
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleListDisputes(c *gin.Context) {
	items, err := s.disputeService.List(c.Request.Context(), c.Param("id"), currentAgent(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (s *Server) handleFileDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.disputeService.File(c.Request.Context(), dispute.FileParams{
		MatchID: c.Param("id"),
		AgentID: currentAgent(c),
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleResolveDispute(c *gin.Context) {
	var req struct {
		Resolution dispute.Resolution `json:"resolution"`
		Note       string             `json:"note"`
	}
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.disputeService.Resolve(c.Request.Context(), dispute.ResolveParams{
		MatchID:    c.Param("id"),
		AgentID:    currentAgent(c),
		Resolution: req.Resolution,
		Note:       req.Note,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type sweepRequest struct {
	TimeoutHours *int `json:"timeout_hours"`
	Limit        *int `json:"limit"`
	DryRun       bool `json:"dry_run"`
}

// params applies defaults only to absent fields; an explicit out-of-range
// value still reaches validation.
func (r sweepRequest) params() expiry.Params {
	p := expiry.Params{TimeoutHours: expiry.DefaultTimeoutHours, Limit: expiry.DefaultLimit, DryRun: r.DryRun}
	if r.TimeoutHours != nil {
		p.TimeoutHours = *r.TimeoutHours
	}
	if r.Limit != nil {
		p.Limit = *r.Limit
	}
	return p
}

func (s *Server) handleSweep(c *gin.Context) {
	var req sweepRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	report, err := s.sweeper.Sweep(c.Request.Context(), req.params())
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info("manual expiry sweep",
		zap.String("agent_id", currentAgent(c)),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("expired", report.ExpiredCount))
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePreview(c *gin.Context) {
	var req sweepRequest
	for key, dst := range map[string]**int{"timeout_hours": &req.TimeoutHours, "limit": &req.Limit} {
		raw, ok := c.GetQuery(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(c, apperr.Errorf(apperr.Validation, "request: %s must be an integer", key))
			return
		}
		*dst = &n
	}
	report, err := s.sweeper.Preview(c.Request.Context(), req.params())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
