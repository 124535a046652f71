package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/coverpool/internal/auth"
	"github.com/terminal-bench/coverpool/internal/gateway"
	"github.com/terminal-bench/coverpool/internal/params"
	"github.com/terminal-bench/coverpool/pkg/messaging"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	natsURL := os.Getenv("NATS_URL")
	etcdURL := os.Getenv("ETCD_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            natsURL,
		Name:           "api-gateway",
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Drain()

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

	authSvc := auth.NewService(jwtSecret, 24*time.Hour)
	provisionIdentities(authSvc)

	gw := gateway.NewGateway(gateway.Config{
		Port:            port,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxHeaderBytes:  1 << 20,
		RateLimitWindow: time.Minute,
		RateLimitMax:    120,
	}, natsClient, authSvc, paramStore)

	if err := gw.StreamEvents(); err != nil {
		log.Fatalf("Failed to subscribe to event stream: %v", err)
	}

	if err := gw.Start(":" + port); err != nil {
		log.Fatalf("Gateway exited: %v", err)
	}
}

// provisionIdentities reads static credentials of the form
// identity:secret:role, comma separated, from GATEWAY_IDENTITIES.
func provisionIdentities(authSvc *auth.Service) {
	raw := os.Getenv("GATEWAY_IDENTITIES")
	if raw == "" {
		return
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 {
			log.Printf("skipping malformed identity entry %q", entry)
			continue
		}
		authSvc.Provision(parts[0], parts[1], auth.Role(parts[2]))
	}
}
