package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/coverpool/internal/accounting"
	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/params"
	"github.com/terminal-bench/coverpool/internal/tracker"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

// natsSubmitter commits prepared withdrawals against the ledger over
// request-reply. A rejection in the reply body is a ledger invariant
// violation and therefore permanent.
type natsSubmitter struct {
	client *messaging.Client
}

func (s *natsSubmitter) Submit(ctx context.Context, op *tracker.Operation) error {
	reply, err := s.client.Request(ctx, "ledger.withdraw", op.Payload, 5*time.Second)
	if err != nil {
		return err
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8009"
	}

	natsURL := os.Getenv("NATS_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdURL := os.Getenv("ETCD_URL")

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "accounting-service",
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

	feed := oracle.NewFeedClient(paramStore.OracleStaleness())
	if err := feed.Start(natsClient); err != nil {
		log.Fatalf("Failed to start oracle feed: %v", err)
	}

	submitter := &natsSubmitter{client: natsClient}
	opTracker := tracker.New(tracker.Config{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	}, submitter)

	svc := accounting.NewService(accounting.Config{
		Tracker:      opTracker,
		Oracle:       feed,
		SafetyBuffer: paramStore.SafetyBuffer,
	})

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse redis URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		svc.SetCache(accounting.NewPortfolioCache(rdb, 30*time.Second))
	}

	// Replica state mutates only on confirmed ledger events.
	if err := natsClient.Subscribe("vault.>", svc.HandleMessage); err != nil {
		log.Fatalf("Failed to subscribe to ledger events: %v", err)
	}
	if err := natsClient.Subscribe("policy.>", svc.HandleMessage); err != nil {
		log.Fatalf("Failed to subscribe to policy events: %v", err)
	}

	// Corrections broadcast by the reconciler overwrite drifted aggregates.
	if err := natsClient.Subscribe(messaging.EventTypeReconcileCorrection, func(msg *nats.Msg) {
		var event messaging.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		correction, err := messaging.ParseEventData[messaging.ReconcileCorrectionEvent](&event)
		if err != nil {
			return
		}
		applyCorrection(svc, correction)
	}); err != nil {
		log.Fatalf("Failed to subscribe to corrections: %v", err)
	}

	subscribeQueries(natsClient, svc, opTracker)

	// Re-submit prepared operations whose backoff window has elapsed.
	trackerCtx, trackerCancel := context.WithCancel(context.Background())
	defer trackerCancel()
	go opTracker.Run(trackerCtx, time.Second)

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "last_sequence": svc.LastSequence()})
	})

	r.POST("/api/v1/providers", func(c *gin.Context) {
		var req struct {
			Provider string `json:"provider" binding:"required"`
			RiskTier string `json:"risk_tier" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		svc.RegisterProvider(req.Provider, req.RiskTier)
		c.JSON(http.StatusCreated, gin.H{"message": "provider registered"})
	})

	r.GET("/api/v1/providers/:provider", func(c *gin.Context) {
		rec, err := svc.Provider(c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	r.GET("/api/v1/providers/:provider/portfolio", func(c *gin.Context) {
		portfolio, err := svc.Portfolio(c.Request.Context(), c.Param("provider"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, portfolio)
	})

	r.GET("/api/v1/operations/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operations": opTracker.Pending()})
	})

	r.GET("/api/v1/operations/stuck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operations": opTracker.Stuck()})
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
}

func applyCorrection(svc *accounting.Service, correction *messaging.ReconcileCorrectionEvent) {
	after, err := decimal.NewFromString(correction.After)
	if err != nil {
		log.Printf("invalid correction value %q: %v", correction.After, err)
		return
	}
	if err := svc.CorrectField(correction.Token, correction.Field, after); err != nil {
		log.Printf("correction for %s rejected: %v", correction.Token, err)
	}
}

func subscribeQueries(natsClient *messaging.Client, svc *accounting.Service, opTracker *tracker.Tracker) {
	err := natsClient.QueueSubscribe("accounting.portfolio", "accounting", func(msg *nats.Msg) {
		var query struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(msg.Data, &query); err != nil {
			msg.Respond([]byte(`{"error":"invalid query"}`))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		portfolio, err := svc.Portfolio(ctx, query.Provider)
		if err != nil {
			msg.Respond([]byte(`{"error":"` + err.Error() + `"}`))
			return
		}
		data, err := json.Marshal(portfolio)
		if err != nil {
			msg.Respond([]byte(`{"error":"internal"}`))
			return
		}
		msg.Respond(data)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to portfolio queries: %v", err)
	}

	err = natsClient.QueueSubscribe("accounting.max_withdrawable", "accounting", func(msg *nats.Msg) {
		var query struct {
			Provider string `json:"provider"`
			Token    string `json:"token"`
		}
		if err := json.Unmarshal(msg.Data, &query); err != nil {
			msg.Respond([]byte(`{"error":"invalid query"}`))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		max, err := svc.MaxWithdrawable(ctx, query.Provider, query.Token)
		if err != nil {
			msg.Respond([]byte(`{"error":"` + err.Error() + `"}`))
			return
		}
		resp, _ := json.Marshal(map[string]string{
			"provider":         query.Provider,
			"token":            query.Token,
			"max_withdrawable": max.String(),
		})
		msg.Respond(resp)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to withdrawal queries: %v", err)
	}

	err = natsClient.QueueSubscribe("accounting.withdrawal.request", "accounting", func(msg *nats.Msg) {
		var cmd struct {
			Provider string `json:"provider"`
			Token    string `json:"token"`
			Amount   string `json:"amount"`
		}
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("invalid withdrawal request: %v", err)
			return
		}
		amount, err := decimal.NewFromString(cmd.Amount)
		if err != nil {
			log.Printf("invalid withdrawal amount %q", cmd.Amount)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		op, err := svc.RequestWithdrawal(ctx, cmd.Provider, cmd.Token, amount)
		if err != nil {
			log.Printf("withdrawal for %s rejected: %v", cmd.Provider, err)
			return
		}

		// Commit path: submit to the ledger; on a clean reply the ledger has
		// already moved the funds, so the operation confirms immediately. The
		// replica's balances still change only when the resulting
		// funds_withdrawn event is applied.
		if err := opTracker.Submit(ctx, op.ID); err != nil {
			log.Printf("withdrawal %s submit failed: %v", op.ID, err)
			if retryErr := opTracker.Retry(op.ID); retryErr != nil {
				log.Printf("withdrawal %s will not retry: %v", op.ID, retryErr)
			}
			return
		}
		if err := opTracker.Confirm(op.ID); err != nil {
			log.Printf("withdrawal %s confirm failed: %v", op.ID, err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to withdrawal requests: %v", err)
	}
}
