package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/coverpool/internal/auth"
	"github.com/terminal-bench/coverpool/internal/params"
	"github.com/terminal-bench/coverpool/pkg/circuit"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// Gateway is the public API edge: it authenticates callers, rate limits,
// forwards commands to the ledger and accounting services over NATS, and
// streams ledger events to WebSocket subscribers.
type Gateway struct {
	router    *gin.Engine
	msgClient *messaging.Client
	breakers  *circuit.BreakerGroup
	authSvc   *auth.Service
	params    *params.Store

	wsClients   map[uuid.UUID]*WSClient
	wsMu        sync.RWMutex
	rateLimiter *RateLimiter
}

// WSClient is one connected event-stream subscriber.
type WSClient struct {
	ID       uuid.UUID
	Identity string
	Conn     *websocket.Conn

	Send chan []byte
	Done chan struct{}
}

// RateLimiter is a sliding-window per-IP limiter.
type RateLimiter struct {
	requests map[string][]time.Time

	mu     sync.Mutex
	limit  int
	window time.Duration
}

// Config holds gateway configuration.
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxHeaderBytes  int
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway creates a new API gateway.
func NewGateway(cfg Config, msgClient *messaging.Client, authSvc *auth.Service, paramStore *params.Store) *Gateway {
	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})

	g := &Gateway{
		router:    gin.Default(),
		msgClient: msgClient,
		breakers:  breakers,
		authSvc:   authSvc,
		params:    paramStore,
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/login", g.login)

		// Policies
		v1.POST("/policies", g.authMiddleware(), g.issuePolicy)
		v1.POST("/policies/:id/exercise", g.authMiddleware(), g.exercisePolicy)

		// Provider accounting
		v1.GET("/portfolio", g.authMiddleware(), g.getPortfolio)
		v1.GET("/portfolio/:token/max-withdrawable", g.authMiddleware(), g.getMaxWithdrawable)
		v1.POST("/withdrawals", g.authMiddleware(), g.requestWithdrawal)

		// Admin parameters
		v1.GET("/admin/params", g.authMiddleware(), g.requireRole(auth.RoleAdmin), g.getParams)
		v1.PUT("/admin/params/:key", g.authMiddleware(), g.requireRole(auth.RoleAdmin), g.putParam)

		// Event stream
		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start starts the gateway.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.authSvc.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("identity", claims.Identity)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) requireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.MustGet("role").(auth.Role) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "nats": g.msgClient.IsConnected()})
}

func (g *Gateway) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.authSvc.Login(req.Identity, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) issuePolicy(c *gin.Context) {
	var req IssuePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	identity := c.MustGet("identity").(string)

	err := g.breakers.Execute(c.Request.Context(), "ledger", func() error {
		return g.msgClient.Publish(c.Request.Context(), "ledger.policy.issue", IssuePolicyCommand{
			CorrelationID:   c.MustGet("correlation_id").(string),
			Owner:           identity,
			TokenCollateral: req.TokenCollateral,
			TokenSettlement: req.TokenSettlement,
			ProtectedValue:  req.ProtectedValue,
			ProtectedAmount: req.ProtectedAmount,
			PositionType:    req.PositionType,
			Expiration:      req.Expiration,
		})
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit policy"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "policy submitted"})
}

func (g *Gateway) exercisePolicy(c *gin.Context) {
	policyID := c.Param("id")
	if strings.TrimSpace(policyID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy ID"})
		return
	}

	identity := c.MustGet("identity").(string)

	err := g.breakers.Execute(c.Request.Context(), "ledger", func() error {
		return g.msgClient.Publish(c.Request.Context(), "ledger.policy.exercise", ExercisePolicyCommand{
			CorrelationID: c.MustGet("correlation_id").(string),
			PolicyID:      policyID,
			Owner:         identity,
		})
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit exercise"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "exercise requested"})
}

func (g *Gateway) getPortfolio(c *gin.Context) {
	identity := c.MustGet("identity").(string)

	var resp []byte
	err := g.breakers.Execute(c.Request.Context(), "accounting", func() error {
		reply, err := g.msgClient.Request(c.Request.Context(), "accounting.portfolio", PortfolioQuery{Provider: identity}, 5*time.Second)
		if err != nil {
			return err
		}
		resp = reply.Data
		return nil
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "accounting service unavailable"})
		return
	}

	c.Data(http.StatusOK, "application/json", resp)
}

func (g *Gateway) getMaxWithdrawable(c *gin.Context) {
	identity := c.MustGet("identity").(string)
	token := c.Param("token")

	var resp []byte
	err := g.breakers.Execute(c.Request.Context(), "accounting", func() error {
		reply, err := g.msgClient.Request(c.Request.Context(), "accounting.max_withdrawable", MaxWithdrawableQuery{Provider: identity, Token: token}, 5*time.Second)
		if err != nil {
			return err
		}
		resp = reply.Data
		return nil
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "accounting service unavailable"})
		return
	}

	c.Data(http.StatusOK, "application/json", resp)
}

func (g *Gateway) requestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	identity := c.MustGet("identity").(string)

	err := g.breakers.Execute(c.Request.Context(), "accounting", func() error {
		return g.msgClient.Publish(c.Request.Context(), "accounting.withdrawal.request", WithdrawalCommand{
			CorrelationID: c.MustGet("correlation_id").(string),
			Provider:      identity,
			Token:         req.Token,
			Amount:        req.Amount,
		})
	})

	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit withdrawal"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "withdrawal requested"})
}

func (g *Gateway) getParams(c *gin.Context) {
	c.JSON(http.StatusOK, g.params.All())
}

func (g *Gateway) putParam(c *gin.Context) {
	var req PutParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	key := c.Param("key")
	if err := g.params.Set(c.Request.Context(), key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	identity := c.MustGet("identity").(string)

	client := &WSClient{
		ID:       uuid.New(),
		Identity: identity,
		Conn:     conn,

		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

// StreamEvents subscribes to ledger events and fans them out to connected
// WebSocket clients. Slow consumers drop messages rather than stall the
// broadcast.
func (g *Gateway) StreamEvents() error {
	if err := g.msgClient.Subscribe("vault.>", func(msg *nats.Msg) {
		g.broadcast(msg.Data)
	}); err != nil {
		return err
	}
	return g.msgClient.Subscribe("policy.>", func(msg *nats.Msg) {
		g.broadcast(msg.Data)
	})
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
		}
	}
}

// Allow checks if a request is allowed under the sliding window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0)
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// Request/Response types

type LoginRequest struct {
	Identity string `json:"identity" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

type IssuePolicyRequest struct {
	TokenCollateral string `json:"token_collateral" binding:"required"`
	TokenSettlement string `json:"token_settlement" binding:"required"`
	ProtectedValue  string `json:"protected_value" binding:"required"`
	ProtectedAmount string `json:"protected_amount" binding:"required"`
	PositionType    string `json:"position_type" binding:"required"`
	Expiration      uint64 `json:"expiration" binding:"required"`
}

type WithdrawalRequest struct {
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type PutParamRequest struct {
	Value string `json:"value" binding:"required"`
}

type IssuePolicyCommand struct {
	CorrelationID   string `json:"correlation_id"`
	Owner           string `json:"owner"`
	TokenCollateral string `json:"token_collateral"`
	TokenSettlement string `json:"token_settlement"`
	ProtectedValue  string `json:"protected_value"`
	ProtectedAmount string `json:"protected_amount"`
	PositionType    string `json:"position_type"`
	Expiration      uint64 `json:"expiration"`
}

type ExercisePolicyCommand struct {
	CorrelationID string `json:"correlation_id"`
	PolicyID      string `json:"policy_id"`
	Owner         string `json:"owner"`
}

type WithdrawalCommand struct {
	CorrelationID string `json:"correlation_id"`
	Provider      string `json:"provider"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
}

type MaxWithdrawableQuery struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type PortfolioQuery struct {
	Provider string `json:"provider"`
}
