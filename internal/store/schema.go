package store

// Decimal columns are TEXT on SQLite so values round-trip without float loss.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		state TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		capital TEXT NOT NULL,
		risk_percent TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		entry_fill_price TEXT NOT NULL DEFAULT '0',
		tech_entry_price TEXT NOT NULL,
		tech_initial_stop TEXT NOT NULL,
		tech_distance TEXT NOT NULL,
		tech_distance_pct TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		target_price TEXT NOT NULL DEFAULT '0',
		stop_percent TEXT NOT NULL DEFAULT '0',
		trailing_stop TEXT NOT NULL DEFAULT '0',
		favorable_extreme TEXT NOT NULL DEFAULT '0',
		exit_price TEXT NOT NULL DEFAULT '0',
		realized_pnl TEXT NOT NULL DEFAULT '0',
		fees_paid TEXT NOT NULL DEFAULT '0',
		exit_reason TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		entry_signal_id TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMP,
		entry_filled_at TIMESTAMP,
		closed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions(symbol, state)`,
	`CREATE TABLE IF NOT EXISTS stop_events (
		event_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		position_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		execution_token TEXT,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		trigger_price TEXT NOT NULL DEFAULT '0',
		stop_price TEXT NOT NULL DEFAULT '0',
		quantity TEXT NOT NULL DEFAULT '0',
		side TEXT NOT NULL DEFAULT '',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price TEXT NOT NULL DEFAULT '0',
		slippage_pct TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_stop_events_token_type
		ON stop_events(execution_token, event_type) WHERE execution_token IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_stop_events_position ON stop_events(position_id, event_seq)`,
	`CREATE TABLE IF NOT EXISTS stop_executions (
		position_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		execution_token TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL DEFAULT '',
		stop_price TEXT NOT NULL DEFAULT '0',
		trigger_price TEXT NOT NULL DEFAULT '0',
		quantity TEXT NOT NULL DEFAULT '0',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price TEXT NOT NULL DEFAULT '0',
		slippage_pct TEXT NOT NULL DEFAULT '0',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		outbox_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_seq INTEGER NOT NULL,
		routing_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(published, event_seq)`,
	`CREATE TABLE IF NOT EXISTS circuit_breakers (
		symbol TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		failure_threshold INTEGER NOT NULL,
		retry_delay_ms INTEGER NOT NULL,
		trial_in_flight INTEGER NOT NULL DEFAULT 0,
		opened_at TIMESTAMP,
		will_retry_at TIMESTAMP,
		last_failure_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		state TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		capital NUMERIC NOT NULL,
		risk_percent NUMERIC NOT NULL,
		quantity NUMERIC NOT NULL,
		entry_price NUMERIC NOT NULL,
		entry_fill_price NUMERIC NOT NULL DEFAULT 0,
		tech_entry_price NUMERIC NOT NULL,
		tech_initial_stop NUMERIC NOT NULL,
		tech_distance NUMERIC NOT NULL,
		tech_distance_pct NUMERIC NOT NULL,
		stop_price NUMERIC NOT NULL,
		target_price NUMERIC NOT NULL DEFAULT 0,
		stop_percent NUMERIC NOT NULL DEFAULT 0,
		trailing_stop NUMERIC NOT NULL DEFAULT 0,
		favorable_extreme NUMERIC NOT NULL DEFAULT 0,
		exit_price NUMERIC NOT NULL DEFAULT 0,
		realized_pnl NUMERIC NOT NULL DEFAULT 0,
		fees_paid NUMERIC NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		entry_signal_id TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMPTZ,
		entry_filled_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions(symbol, state)`,
	`CREATE TABLE IF NOT EXISTS stop_events (
		event_seq BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		position_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		execution_token TEXT,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		trigger_price NUMERIC NOT NULL DEFAULT 0,
		stop_price NUMERIC NOT NULL DEFAULT 0,
		quantity NUMERIC NOT NULL DEFAULT 0,
		side TEXT NOT NULL DEFAULT '',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price NUMERIC NOT NULL DEFAULT 0,
		slippage_pct NUMERIC NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		payload JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_stop_events_token_type
		ON stop_events(execution_token, event_type) WHERE execution_token IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_stop_events_position ON stop_events(position_id, event_seq)`,
	`CREATE TABLE IF NOT EXISTS stop_executions (
		position_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		execution_token TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL DEFAULT '',
		stop_price NUMERIC NOT NULL DEFAULT 0,
		trigger_price NUMERIC NOT NULL DEFAULT 0,
		quantity NUMERIC NOT NULL DEFAULT 0,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		fill_price NUMERIC NOT NULL DEFAULT 0,
		slippage_pct NUMERIC NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		outbox_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_seq BIGINT NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		published_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(published, event_seq)`,
	`CREATE TABLE IF NOT EXISTS circuit_breakers (
		symbol TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		failure_threshold INTEGER NOT NULL,
		retry_delay_ms BIGINT NOT NULL,
		trial_in_flight BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at TIMESTAMPTZ,
		will_retry_at TIMESTAMPTZ,
		last_failure_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	)`,
}
