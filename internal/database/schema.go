package database

// SQL schemas for the analytics mirror tables

const (
	// SessionsTableSQL keeps the latest known state of each session
	SessionsTableSQL = `
		CREATE TABLE IF NOT EXISTS adalog_sessions (
			session_id UUID,
			subject String,
			tags Array(String),
			started_at DateTime64(6),
			ended_at Nullable(DateTime64(6)),
			dir String,
			status LowCardinality(String),
			error String,
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY session_id
	`

	// EEGSamplesTableSQL holds one row per sample, on the session clock
	EEGSamplesTableSQL = `
		CREATE TABLE IF NOT EXISTS eeg_samples (
			session_id UUID,
			stream_id LowCardinality(String),
			timestamp DateTime64(6),
			channels Array(Float64)
		) ENGINE = MergeTree()
		ORDER BY (session_id, stream_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// TextEventsTableSQL holds captured text entries
	TextEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS text_events (
			session_id UUID,
			subject String,
			timestamp DateTime64(6),
			text String
		) ENGINE = MergeTree()
		ORDER BY (session_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DrawingEventsTableSQL references drawing images saved in session directories
	DrawingEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS drawing_events (
			session_id UUID,
			timestamp DateTime64(6),
			filename String
		) ENGINE = MergeTree()
		ORDER BY (session_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// QualitySamplesTableSQL holds advisory signal-quality readings
	QualitySamplesTableSQL = `
		CREATE TABLE IF NOT EXISTS quality_samples (
			session_id UUID,
			stream_id LowCardinality(String),
			timestamp DateTime64(6),
			score Float64,
			level UInt8,
			channel_scores Array(Float64)
		) ENGINE = MergeTree()
		ORDER BY (session_id, stream_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`
)

// AllTables returns all table creation SQL statements in order
func AllTables() []string {
	return []string{
		SessionsTableSQL,
		EEGSamplesTableSQL,
		TextEventsTableSQL,
		DrawingEventsTableSQL,
		QualitySamplesTableSQL,
	}
}
