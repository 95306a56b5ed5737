package storage

// 时间字段统一存 UTC 毫秒时间戳，便于范围查询与排序
var migrations = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`
CREATE TABLE IF NOT EXISTS strategy_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  strategy_name TEXT NOT NULL,
  symbol TEXT NOT NULL,
  action TEXT NOT NULL,
  technical_details TEXT,
  human_readable TEXT,
  data TEXT,
  session_id TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_logs_name_ts ON strategy_logs(strategy_name, ts DESC);`,
	`
CREATE TABLE IF NOT EXISTS risk_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  symbol TEXT,
  strategy_name TEXT,
  trigger_value REAL,
  current_value REAL,
  action_taken TEXT,
  description TEXT,
  severity TEXT NOT NULL DEFAULT 'medium'
);`,
	`CREATE INDEX IF NOT EXISTS idx_risk_events_ts ON risk_events(ts DESC);`,
	`
CREATE TABLE IF NOT EXISTS trade_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  order_id TEXT,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  order_type TEXT NOT NULL,
  quantity REAL NOT NULL,
  price REAL,
  executed_price REAL,
  status TEXT NOT NULL,
  strategy_name TEXT,
  profit_loss REAL NOT NULL DEFAULT 0,
  profit_loss_pct REAL NOT NULL DEFAULT 0,
  reason TEXT,
  is_close INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS idx_trade_entries_strategy_ts ON trade_entries(strategy_name, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_trade_entries_symbol_ts ON trade_entries(symbol, ts);`,
	`
CREATE TABLE IF NOT EXISTS performance_metrics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  strategy_name TEXT NOT NULL,
  symbol TEXT NOT NULL,
  period_start INTEGER NOT NULL,
  period_end INTEGER NOT NULL,
  total_trades INTEGER NOT NULL DEFAULT 0,
  winning_trades INTEGER NOT NULL DEFAULT 0,
  losing_trades INTEGER NOT NULL DEFAULT 0,
  total_profit_loss REAL NOT NULL DEFAULT 0,
  max_drawdown REAL NOT NULL DEFAULT 0,
  win_rate REAL NOT NULL DEFAULT 0,
  additional_metrics TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_name_ts ON performance_metrics(strategy_name, ts DESC);`,
}
