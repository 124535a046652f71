package reconcile

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/coverpool/internal/vault"
)

// InfluxRecorder writes drift observations to InfluxDB.
type InfluxRecorder struct {
	writeAPI api.WriteAPIBlocking
}

// NewInfluxRecorder builds a recorder from a client and bucket coordinates.
func NewInfluxRecorder(client influxdb2.Client, org, bucket string) *InfluxRecorder {
	return &InfluxRecorder{writeAPI: client.WriteAPIBlocking(org, bucket)}
}

// RecordDrift writes one reconcile_drift point.
func (r *InfluxRecorder) RecordDrift(ctx context.Context, token, field string, replica, ledger decimal.Decimal, escalated bool) error {
	point := influxdb2.NewPointWithMeasurement("reconcile_drift").
		AddTag("token", token).
		AddTag("field", field).
		AddField("replica", replica.InexactFloat64()).
		AddField("ledger", ledger.InexactFloat64()).
		AddField("drift", replica.Sub(ledger).Abs().InexactFloat64()).
		AddField("escalated", escalated).
		SetTime(time.Now())

	return r.writeAPI.WritePoint(ctx, point)
}

// VaultSource adapts an in-process vault to the LedgerSource interface.
type VaultSource struct {
	Vault *vault.Vault
}

// Aggregates returns the vault's committed per-token snapshot.
func (s VaultSource) Aggregates(ctx context.Context) (map[string]vault.Aggregates, error) {
	return s.Vault.Snapshot(), nil
}

// StoreSource adapts the postgres journal to the LedgerSource interface for
// deployments where the reconciler runs out of process.
type StoreSource struct {
	Store *vault.Store
}

// Aggregates reads the journal's latest aggregates in one snapshot.
func (s StoreSource) Aggregates(ctx context.Context) (map[string]vault.Aggregates, error) {
	return s.Store.ReadAggregates(ctx)
}
