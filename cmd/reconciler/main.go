package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/terminal-bench/coverpool/internal/accounting"
	"github.com/terminal-bench/coverpool/internal/oracle"
	"github.com/terminal-bench/coverpool/internal/reconcile"
	"github.com/terminal-bench/coverpool/internal/vault"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8010"
	}

	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	etcdURL := os.Getenv("ETCD_URL")
	influxURL := os.Getenv("INFLUX_URL")
	influxToken := os.Getenv("INFLUX_TOKEN")

	tolerance := decimal.NewFromFloat(0.000001)
	if t := os.Getenv("RECONCILE_TOLERANCE"); t != "" {
		parsed, err := decimal.NewFromString(t)
		if err != nil {
			log.Fatalf("Invalid RECONCILE_TOLERANCE: %v", err)
		}
		tolerance = parsed
	}

	interval := time.Minute
	if i := os.Getenv("RECONCILE_INTERVAL"); i != "" {
		parsed, err := time.ParseDuration(i)
		if err != nil {
			log.Fatalf("Invalid RECONCILE_INTERVAL: %v", err)
		}
		interval = parsed
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "reconciler",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Drain()

	var recorder reconcile.DriftRecorder
	if influxURL != "" {
		influxClient := influxdb2.NewClient(influxURL, influxToken)
		defer influxClient.Close()
		recorder = reconcile.NewInfluxRecorder(influxClient, "coverpool", "reconcile")
	}

	// The reconciler maintains its own replica by folding the same event
	// stream the accounting service consumes. Drift found against the
	// journal is corrected here and broadcast so every replica converges.
	shadow := accounting.NewService(accounting.Config{Oracle: oracle.NewStatic()})
	if err := natsClient.Subscribe("vault.>", shadow.HandleMessage); err != nil {
		log.Fatalf("Failed to subscribe to ledger events: %v", err)
	}
	if err := natsClient.Subscribe("policy.>", shadow.HandleMessage); err != nil {
		log.Fatalf("Failed to subscribe to policy events: %v", err)
	}

	engine := reconcile.NewEngine(reconcile.Config{
		Ledger:    reconcile.StoreSource{Store: vault.NewStore(db)},
		Replica:   shadow,
		Recorder:  recorder,
		Publisher: natsClient,
		Tolerance: tolerance,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Single active reconciler: replicas campaign for leadership and only
	// the leader runs passes.
	go func() {
		if etcdURL == "" {
			engine.RunLoop(ctx, interval)
			return
		}

		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{etcdURL},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdClient.Close()

		session, err := concurrency.NewSession(etcdClient, concurrency.WithTTL(10))
		if err != nil {
			log.Fatalf("Failed to create etcd session: %v", err)
		}
		defer session.Close()

		election := concurrency.NewElection(session, "/coverpool/reconciler/leader")
		hostname, _ := os.Hostname()

		for {
			if err := election.Campaign(ctx, hostname); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("leader campaign failed, retrying: %v", err)
				time.Sleep(time.Second)
				continue
			}

			log.Printf("acquired reconciler leadership")
			leaderCtx, leaderCancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-session.Done():
					leaderCancel()
				case <-leaderCtx.Done():
				}
			}()

			engine.RunLoop(leaderCtx, interval)
			leaderCancel()

			if ctx.Err() != nil {
				return
			}
			log.Printf("lost reconciler leadership")
		}
	}()

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "last_sequence": shadow.LastSequence()})
	})

	r.POST("/api/v1/reconcile/run", func(c *gin.Context) {
		report, err := engine.Run(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}
