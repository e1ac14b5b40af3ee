package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	telemetry "iot-alerting/internal/telemetry/domain"
	telemetrypostgres "iot-alerting/internal/telemetry/infrastructure/postgres"
)

func TestTelemetryPerf_7dInsert(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "telemetry_samples") {
		t.Skip("telemetry_samples missing; run migrations")
	}

	ctx := context.Background()
	tenantID := "tenant-perf"
	deviceID := fmt.Sprintf("device-perf-%d", time.Now().UnixNano())
	_, _ = db.ExecContext(ctx, `DELETE FROM telemetry_samples WHERE tenant_id = $1`, tenantID)

	start := time.Now().UTC().AddDate(0, 0, -7).Truncate(time.Hour)
	var readings []telemetry.Reading
	for at := start; at.Before(start.AddDate(0, 0, 7)); at = at.Add(5 * time.Minute) {
		readings = append(readings, telemetry.Reading{
			TenantID: tenantID,
			DeviceID: deviceID,
			At:       at,
			Values:   map[string]float64{"temperature": 20 + float64(at.Minute())/10},
			Source:   telemetry.SourceHTTP,
		})
	}

	repo := telemetrypostgres.NewSampleRepository(db)
	begin := time.Now()
	if err := repo.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	elapsed := time.Since(begin)

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_samples WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID).Scan(&count); err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if count != len(readings) {
		t.Fatalf("expected %d samples, got %d", len(readings), count)
	}
	t.Logf("inserted %d samples in %s", len(readings), elapsed)
	if elapsed > 30*time.Second {
		t.Fatalf("insert too slow: %s", elapsed)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
	return err == nil && exists
}
