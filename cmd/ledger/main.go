package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/params"
	"github.com/terminal-bench/coverpool/internal/policy"
	"github.com/terminal-bench/coverpool/internal/pricing"
	"github.com/terminal-bench/coverpool/internal/settlement"
	"github.com/terminal-bench/coverpool/internal/vault"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

const serviceIdentity = "settlement-engine"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8008"
	}

	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	etcdURL := os.Getenv("ETCD_URL")

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	journal := vault.NewStore(db)
	if err := journal.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure journal schema: %v", err)
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "ledger-service",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}

	var etcdClient *clientv3.Client
	if etcdURL != "" {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{etcdURL},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdClient.Close()
	}

	paramStore := params.NewStore(etcdClient, "/coverpool/params/")
	if etcdClient != nil {
		if err := paramStore.Load(context.Background()); err != nil {
			log.Printf("Failed to load parameters, using defaults: %v", err)
		}
		go paramStore.Watch(context.Background())
	}

	// Height advances on a fixed cadence, standing in for the block clock of
	// the settlement venue.
	var height atomic.Uint64
	if h := os.Getenv("START_HEIGHT"); h != "" {
		if parsed, err := strconv.ParseUint(h, 10, 64); err == nil {
			height.Store(parsed)
		}
	}
	heightInterval := 2 * time.Second
	go func() {
		ticker := time.NewTicker(heightInterval)
		defer ticker.Stop()
		for range ticker.C {
			height.Add(1)
		}
	}()

	bank := vault.NewMemoryBank()
	ledger := vault.New(vault.Config{
		Transferer: bank,
		Publisher:  natsClient,
		Journal:    journal,
	})
	ledger.Grant(serviceIdentity, vault.CapIssuer, vault.CapOperator)

	policies := policy.NewStore()

	feed := oracle.NewFeedClient(paramStore.OracleStaleness())
	if err := feed.Start(natsClient); err != nil {
		log.Fatalf("Failed to start oracle feed: %v", err)
	}

	engine := settlement.NewEngine(settlement.Config{
		Vault:       ledger,
		Policies:    policies,
		Oracle:      feed,
		Pricer:      pricing.NewNATSClient(natsClient, 5*time.Second),
		Publisher:   natsClient,
		Identity:    serviceIdentity,
		Height:      height.Load,
		MaxDuration: paramStore.MaxPolicyDuration(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Single active sweeper: with etcd configured, instances campaign and
	// only the leader runs the expiry batch.
	go func() {
		if etcdClient == nil {
			runSweep(ctx, engine, feed, paramStore, height.Load)
			return
		}

		session, err := concurrency.NewSession(etcdClient, concurrency.WithTTL(10))
		if err != nil {
			log.Fatalf("Failed to create etcd session: %v", err)
		}
		defer session.Close()

		election := concurrency.NewElection(session, "/coverpool/ledger/sweep")
		hostname, _ := os.Hostname()

		for {
			if err := election.Campaign(ctx, hostname); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("sweep campaign failed, retrying: %v", err)
				time.Sleep(time.Second)
				continue
			}

			log.Printf("acquired expiry sweep leadership")
			leaderCtx, leaderCancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-session.Done():
					leaderCancel()
				case <-leaderCtx.Done():
				}
			}()

			runSweep(leaderCtx, engine, feed, paramStore, height.Load)
			leaderCancel()

			if ctx.Err() != nil {
				return
			}
			log.Printf("lost expiry sweep leadership")
		}
	}()

	subscribeCommands(natsClient, engine, ledger)

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "height": height.Load()})
	})

	r.GET("/api/v1/vault/balance/:token", func(c *gin.Context) {
		balance, err := ledger.Balance(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":     c.Param("token"),
			"total":     balance.Total.String(),
			"locked":    balance.Locked.String(),
			"available": balance.Total.Sub(balance.Locked).String(),
		})
	})

	r.GET("/api/v1/vault/premiums/:token", func(c *gin.Context) {
		pool, err := ledger.PremiumPool(c.Param("token"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":       c.Param("token"),
			"total":       pool.Total.String(),
			"distributed": pool.Distributed.String(),
		})
	})

	r.GET("/api/v1/policies/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy ID"})
			return
		}
		p, err := policies.Get(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	r.GET("/api/v1/policies/:id/allocations", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy ID"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"allocations": ledger.AllocationsForPolicy(id)})
	})

	r.POST("/api/v1/vault/deposit", func(c *gin.Context) {
		var req struct {
			Depositor string `json:"depositor" binding:"required"`
			Token     string `json:"token" binding:"required"`
			Amount    string `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		if err := ledger.Deposit(c.Request.Context(), req.Depositor, req.Token, amount); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "deposited"})
	})

	r.POST("/api/v1/vault/withdraw", func(c *gin.Context) {
		var req struct {
			Withdrawer string `json:"withdrawer" binding:"required"`
			Token      string `json:"token" binding:"required"`
			Amount     string `json:"amount" binding:"required"`
			Recipient  string `json:"recipient"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		recipient := req.Recipient
		if recipient == "" {
			recipient = req.Withdrawer
		}
		if err := ledger.Withdraw(c.Request.Context(), req.Withdrawer, req.Token, amount, recipient); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "withdrawn"})
	})

	r.POST("/api/v1/policies", func(c *gin.Context) {
		var cmd issueCommand
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		terms, err := cmd.terms()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := engine.IssuePolicy(c.Request.Context(), terms)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, p)
	})

	r.POST("/api/v1/policies/:id/exercise", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy ID"})
			return
		}
		var req struct {
			Owner string `json:"owner" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := engine.Exercise(c.Request.Context(), req.Owner, id)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	r.POST("/api/v1/premiums/distribute", func(c *gin.Context) {
		var req struct {
			PolicyID uint64 `json:"policy_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := engine.DistributePolicyPremium(c.Request.Context(), req.PolicyID); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "premium distributed"})
	})

	r.POST("/api/v1/allocations", func(c *gin.Context) {
		var req struct {
			PolicyID      uint64            `json:"policy_id" binding:"required"`
			Contributions map[string]string `json:"contributions" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		contributions := make(map[string]decimal.Decimal, len(req.Contributions))
		for provider, raw := range req.Contributions {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contribution for " + provider})
				return
			}
			contributions[provider] = amount
		}
		if err := engine.RecordProviderShares(c.Request.Context(), req.PolicyID, contributions); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"allocations": ledger.AllocationsForPolicy(req.PolicyID)})
	})

	r.POST("/api/v1/allocations/distribute", func(c *gin.Context) {
		var req struct {
			PolicyID uint64 `json:"policy_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		failures := engine.DistributeProviderPremiums(c.Request.Context(), req.PolicyID)
		if len(failures) > 0 {
			out := make(map[string]string, len(failures))
			for provider, ferr := range failures {
				out[provider] = ferr.Error()
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"failures": out})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "provider premiums distributed"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	natsClient.Drain()
	db.Close()
}

// runSweep drives the expiry batch until the context ends. Each due policy
// is handled independently so one failed release never blocks the rest.
func runSweep(ctx context.Context, engine *settlement.Engine, feed *oracle.FeedClient, paramStore *params.Store, height func() uint64) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		engine.SetMaxDuration(paramStore.MaxPolicyDuration())
		feed.SetStaleness(paramStore.OracleStaleness())

		report, err := engine.ExpireSweep(ctx, height(), 4)
		if err != nil {
			log.Printf("expiry sweep failed: %v", err)
			continue
		}
		for _, id := range report.Expired {
			if err := engine.DistributePolicyPremium(ctx, id); err != nil {
				log.Printf("premium distribution for policy %d failed: %v", id, err)
			}
		}
		for id, ferr := range report.Failed {
			log.Printf("expiry of policy %d failed: %v", id, ferr)
		}
	}
}

type issueCommand struct {
	Owner           string `json:"owner"`
	Counterparty    string `json:"counterparty"`
	TokenCollateral string `json:"token_collateral"`
	TokenSettlement string `json:"token_settlement"`
	ProtectedValue  string `json:"protected_value"`
	ProtectedAmount string `json:"protected_amount"`
	PositionType    string `json:"position_type"`
	Expiration      uint64 `json:"expiration"`
}

func (c issueCommand) terms() (policy.Terms, error) {
	pv, err := decimal.NewFromString(c.ProtectedValue)
	if err != nil {
		return policy.Terms{}, fmt.Errorf("invalid protected value %q", c.ProtectedValue)
	}
	pa, err := decimal.NewFromString(c.ProtectedAmount)
	if err != nil {
		return policy.Terms{}, fmt.Errorf("invalid protected amount %q", c.ProtectedAmount)
	}
	return policy.Terms{
		Owner:            c.Owner,
		Counterparty:     c.Counterparty,
		TokenCollateral:  c.TokenCollateral,
		TokenSettlement:  c.TokenSettlement,
		ProtectedValue:   pv,
		ProtectedAmount:  pa,
		PositionType:     policy.PositionType(c.PositionType),
		ExpirationHeight: c.Expiration,
	}, nil
}

type exerciseCommand struct {
	PolicyID string `json:"policy_id"`
	Owner    string `json:"owner"`
}

func subscribeCommands(natsClient *messaging.Client, engine *settlement.Engine, ledger *vault.Vault) {
	err := natsClient.QueueSubscribe("ledger.policy.issue", "ledger", func(msg *nats.Msg) {
		var cmd issueCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("invalid issue command: %v", err)
			return
		}
		terms, err := cmd.terms()
		if err != nil {
			log.Printf("invalid issue command: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := engine.IssuePolicy(ctx, terms); err != nil {
			log.Printf("policy issuance failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to issue commands: %v", err)
	}

	err = natsClient.QueueSubscribe("ledger.policy.exercise", "ledger", func(msg *nats.Msg) {
		var cmd exerciseCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("invalid exercise command: %v", err)
			return
		}
		id, err := strconv.ParseUint(cmd.PolicyID, 10, 64)
		if err != nil {
			log.Printf("invalid exercise policy ID %q", cmd.PolicyID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := engine.Exercise(ctx, cmd.Owner, id); err != nil {
			log.Printf("policy exercise failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to exercise commands: %v", err)
	}

	// Withdrawal instructions prepared by the accounting replica. The reply
	// confirms or rejects synchronously so the replica can advance its
	// pending-operation state machine.
	err = natsClient.QueueSubscribe("ledger.withdraw", "ledger", func(msg *nats.Msg) {
		var cmd struct {
			Provider string `json:"provider"`
			Token    string `json:"token"`
			Amount   string `json:"amount"`
		}
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			msg.Respond([]byte(`{"error":"invalid instruction"}`))
			return
		}
		amount, err := decimal.NewFromString(cmd.Amount)
		if err != nil {
			msg.Respond([]byte(`{"error":"invalid amount"}`))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ledger.Withdraw(ctx, cmd.Provider, cmd.Token, amount, cmd.Provider); err != nil {
			msg.Respond([]byte(`{"error":"` + err.Error() + `"}`))
			return
		}
		msg.Respond([]byte(`{"ok":true}`))
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to withdrawal instructions: %v", err)
	}
}
