package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
)

// Options holds the archive connection settings
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	ClientID string // stamped on every row
}

// ClickHouseDB archives detection ticks and boot events
type ClickHouseDB struct {
	conn     driver.Conn
	clientID string
}

// NewClickHouseDB creates a new ClickHouse database connection and ensures the schema
func NewClickHouseDB(ctx context.Context, opts Options) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	klog.Infof("Archive: connected to ClickHouse at %s", opts.Addr)

	db := &ClickHouseDB{conn: conn, clientID: opts.ClientID}
	if err := db.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	klog.V(2).Info("Archive: schema initialized")
	return nil
}

// SaveDetections writes one tick's records as a single batch
func (db *ClickHouseDB) SaveDetections(ctx context.Context, tick uint64, at time.Time, records []models.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO detections")
	if err != nil {
		return fmt.Errorf("failed to prepare detections batch: %w", err)
	}

	for _, row := range detectionRows(db.clientID, tick, at, records) {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append detection: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert detections: %w", err)
	}
	return nil
}

// SaveBootEvent records how a boot sequence ended
func (db *ClickHouseDB) SaveBootEvent(ctx context.Context, ev *models.BootEvent) error {
	query := `
		INSERT INTO boot_events (timestamp, boot_id, client_id, path, ssid, address, attempts, time_sync, sink_up)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		ev.Timestamp,
		ev.BootID,
		db.clientID,
		ev.Path,
		ev.SSID,
		ev.Address,
		uint16(ev.Attempts),
		boolToUInt8(ev.TimeSync),
		boolToUInt8(ev.SinkUp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert boot event: %w", err)
	}
	return nil
}

// Close closes the connection
func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

// detectionRows flattens records into column order of the detections table
func detectionRows(clientID string, tick uint64, at time.Time, records []models.DetectionRecord) [][]any {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			at,
			clientID,
			tick,
			r.Label,
			r.Confidence,
			r.BBox[0],
			r.BBox[1],
			r.BBox[2],
			r.BBox[3],
			r.FPS,
		})
	}
	return rows
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
