package repository

// schema returns the DDL statements for the dialect. Decimal columns are
// NUMERIC on Postgres and TEXT on SQLite; both scan into strings.
func schema(d Dialect) []string {
	dec, ts, boolean := "TEXT", "DATETIME", "INTEGER"
	if d == DialectPostgres {
		dec, ts, boolean = "NUMERIC", "TIMESTAMPTZ", "BOOLEAN"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_active ` + boolean + ` NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS bot_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			api_key_encrypted TEXT NOT NULL,
			api_secret_encrypted TEXT NOT NULL,
			total_budget ` + dec + ` NOT NULL,
			grid_levels INTEGER NOT NULL,
			grid_length_pct ` + dec + ` NOT NULL,
			first_order_offset_pct ` + dec + ` NOT NULL,
			volume_scale_pct ` + dec + ` NOT NULL,
			grid_shift_threshold_pct ` + dec + ` NOT NULL,
			take_profit_pct ` + dec + ` NOT NULL,
			trailing_enabled ` + boolean + ` NOT NULL,
			trailing_callback_pct ` + dec + ` NOT NULL,
			trailing_min_profit_pct ` + dec + ` NOT NULL,
			is_active ` + boolean + ` NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dca_cycles (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL REFERENCES bot_configs(id),
			status TEXT NOT NULL,
			total_base_qty ` + dec + ` NOT NULL,
			total_quote_spent ` + dec + ` NOT NULL,
			avg_price ` + dec + ` NOT NULL,
			initial_first_order_price ` + dec + `,
			current_tp_order_id TEXT,
			current_tp_price ` + dec + `,
			accumulated_dust ` + dec + ` NOT NULL,
			trailing_active ` + boolean + ` NOT NULL,
			max_price_tracked ` + dec + `,
			trailing_activation_price ` + dec + `,
			trailing_activation_time ` + ts + `,
			emergency_exit ` + boolean + ` NOT NULL,
			emergency_exit_reason TEXT,
			emergency_exit_time ` + ts + `,
			profit_quote ` + dec + `,
			created_at ` + ts + ` NOT NULL,
			closed_at ` + ts + `
		)`,

		`CREATE INDEX IF NOT EXISTS idx_cycles_config_status ON dca_cycles(config_id, status)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL REFERENCES dca_cycles(id),
			exchange_order_id TEXT UNIQUE,
			order_type TEXT NOT NULL,
			order_index INTEGER NOT NULL,
			price ` + dec + ` NOT NULL,
			amount ` + dec + ` NOT NULL,
			status TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_cycle_status ON orders(cycle_id, status)`,
	}
}
