package database

// SQL schemas for the detection archive tables

const (
	// DetectionsTableSQL creates the detections table, one row per detected object
	DetectionsTableSQL = `
		CREATE TABLE IF NOT EXISTS detections (
			timestamp DateTime64(3),
			client_id String,
			tick UInt64,
			label String,
			confidence Float64,
			bbox_x Float64,
			bbox_y Float64,
			bbox_w Float64,
			bbox_h Float64,
			fps Float64
		) ENGINE = MergeTree()
		ORDER BY (client_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// BootEventsTableSQL creates the boot_events table, one row per boot sequence
	BootEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS boot_events (
			timestamp DateTime64(3),
			boot_id String,
			client_id String,
			path LowCardinality(String),
			ssid String,
			address String,
			attempts UInt16,
			time_sync UInt8,
			sink_up UInt8
		) ENGINE = MergeTree()
		ORDER BY (client_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`
)

// AllTables returns every table creation statement in creation order
func AllTables() []string {
	return []string{
		DetectionsTableSQL,
		BootEventsTableSQL,
	}
}
