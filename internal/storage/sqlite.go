package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto-strategy-engine/internal/model"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 modernc.org/sqlite (纯 Go，无 cgo) 的持久化实现
type SQLiteStore struct {
	db *sql.DB
}

// TradeFilter TradeHistory 查询条件，零值字段不过滤
type TradeFilter struct {
	Symbol   string
	Strategy string
	Since    time.Time
	Limit    int
}

// OpenSQLite 打开数据库并执行迁移
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create db dir %s", dir)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LogStrategyEvent(ctx context.Context, e model.StrategyEvent) error {
	data, err := marshalJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_logs
		(ts, strategy_name, symbol, action, technical_details, human_readable, data, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(e.Timestamp), e.StrategyName, e.Symbol, e.Action,
		e.TechnicalDetail, e.HumanText, data, e.SessionID,
	)
	return errors.Wrap(err, "insert strategy_logs")
}

func (s *SQLiteStore) LogRiskEvent(ctx context.Context, e model.RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events
		(ts, event_type, symbol, strategy_name, trigger_value, current_value, action_taken, description, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(e.Timestamp), e.Kind, e.Symbol, e.StrategyName,
		e.TriggerValue, e.CurrentValue, e.ActionTaken, e.Description, string(e.Severity),
	)
	return errors.Wrap(err, "insert risk_events")
}

func (s *SQLiteStore) LogTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_entries
		(ts, order_id, symbol, side, order_type, quantity, price, executed_price, status,
		 strategy_name, profit_loss, profit_loss_pct, reason, is_close)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(t.Timestamp), t.OrderID, t.Symbol, string(t.Side), string(t.OrderType),
		t.Qty, t.Price, t.ExecutedPrice, t.Status,
		t.StrategyName, t.ProfitLoss, t.ProfitLossPct, t.Reason, boolToInt(t.IsClose),
	)
	return errors.Wrap(err, "insert trade_entries")
}

func (s *SQLiteStore) SavePerformanceMetrics(ctx context.Context, m model.PerformanceMetrics) error {
	extra, err := marshalJSON(m.Additional)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics
		(ts, strategy_name, symbol, period_start, period_end, total_trades, winning_trades, losing_trades,
		 total_profit_loss, max_drawdown, win_rate, additional_metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(time.Now()), m.StrategyName, m.Symbol, toMillis(m.PeriodStart), toMillis(m.PeriodEnd),
		m.TotalTrades, m.WinningTrades, m.LosingTrades, m.TotalPnL, m.MaxDrawdown, m.WinRate, extra,
	)
	return errors.Wrap(err, "insert performance_metrics")
}

// StrategyLogs 最近的策略日志，name 为空时返回全部策略
func (s *SQLiteStore) StrategyLogs(ctx context.Context, name string, limit int) ([]model.StrategyEvent, error) {
	query := `SELECT ts, strategy_name, symbol, action, technical_details, human_readable, data, session_id
		FROM strategy_logs`
	var args []any
	if name != "" {
		query += ` WHERE strategy_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query strategy_logs")
	}
	defer rows.Close()

	var out []model.StrategyEvent
	for rows.Next() {
		var (
			e                          model.StrategyEvent
			ts                         int64
			tech, human, data, session sql.NullString
		)
		if err := rows.Scan(&ts, &e.StrategyName, &e.Symbol, &e.Action, &tech, &human, &data, &session); err != nil {
			return nil, errors.Wrap(err, "scan strategy_logs")
		}
		e.Timestamp = fromMillis(ts)
		e.TechnicalDetail = tech.String
		e.HumanText = human.String
		e.SessionID = session.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, errors.Wrap(err, "decode strategy_logs.data")
			}
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate strategy_logs")
}

// RiskEvents 最近的风控事件
func (s *SQLiteStore) RiskEvents(ctx context.Context, limit int) ([]model.RiskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, event_type, symbol, strategy_name, trigger_value, current_value, action_taken, description, severity
		FROM risk_events ORDER BY ts DESC, id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query risk_events")
	}
	defer rows.Close()

	var out []model.RiskEvent
	for rows.Next() {
		var (
			e                                   model.RiskEvent
			ts                                  int64
			symbol, strategy, action, desc, sev sql.NullString
			trigger, current                    sql.NullFloat64
		)
		if err := rows.Scan(&ts, &e.Kind, &symbol, &strategy, &trigger, &current, &action, &desc, &sev); err != nil {
			return nil, errors.Wrap(err, "scan risk_events")
		}
		e.Timestamp = fromMillis(ts)
		e.Symbol = symbol.String
		e.StrategyName = strategy.String
		e.TriggerValue = trigger.Float64
		e.CurrentValue = current.Float64
		e.ActionTaken = action.String
		e.Description = desc.String
		e.Severity = model.Severity(sev.String)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate risk_events")
}

// TradeHistory 按条件查询成交记录 (时间倒序)
func (s *SQLiteStore) TradeHistory(ctx context.Context, f TradeFilter) ([]model.TradeRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Strategy != "" {
		where = append(where, "strategy_name = ?")
		args = append(args, f.Strategy)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toMillis(f.Since))
	}

	query := `SELECT ts, order_id, symbol, side, order_type, quantity, price, executed_price, status,
		strategy_name, profit_loss, profit_loss_pct, reason, is_close FROM trade_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trade_entries")
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate trade_entries")
}

// TradeResults 返回策略自 since 以来的平仓结果 (时间升序)，用于重建风控账本
func (s *SQLiteStore) TradeResults(ctx context.Context, strategy string, since time.Time) ([]model.TradeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, symbol, strategy_name, profit_loss, profit_loss_pct
		FROM trade_entries
		WHERE strategy_name = ? AND is_close = 1 AND status = 'FILLED' AND ts >= ?
		ORDER BY ts ASC, id ASC`, strategy, toMillis(since))
	if err != nil {
		return nil, errors.Wrap(err, "query trade results")
	}
	defer rows.Close()

	var out []model.TradeResult
	for rows.Next() {
		var (
			r  model.TradeResult
			ts int64
		)
		if err := rows.Scan(&ts, &r.Symbol, &r.StrategyName, &r.Pnl, &r.PnlPct); err != nil {
			return nil, errors.Wrap(err, "scan trade results")
		}
		r.Timestamp = fromMillis(ts)
		r.IsWin = r.PnlPct > 0
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate trade results")
}

// PerformanceHistory 策略的历史绩效快照 (时间倒序)
func (s *SQLiteStore) PerformanceHistory(ctx context.Context, strategy string, limit int) ([]model.PerformanceMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_name, symbol, period_start, period_end, total_trades, winning_trades, losing_trades,
		       total_profit_loss, max_drawdown, win_rate, additional_metrics
		FROM performance_metrics WHERE strategy_name = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		strategy, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query performance_metrics")
	}
	defer rows.Close()

	var out []model.PerformanceMetrics
	for rows.Next() {
		var (
			m          model.PerformanceMetrics
			start, end int64
			extra      sql.NullString
		)
		if err := rows.Scan(&m.StrategyName, &m.Symbol, &start, &end, &m.TotalTrades, &m.WinningTrades,
			&m.LosingTrades, &m.TotalPnL, &m.MaxDrawdown, &m.WinRate, &extra); err != nil {
			return nil, errors.Wrap(err, "scan performance_metrics")
		}
		m.PeriodStart = fromMillis(start)
		m.PeriodEnd = fromMillis(end)
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &m.Additional); err != nil {
				return nil, errors.Wrap(err, "decode additional_metrics")
			}
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate performance_metrics")
}

// Cleanup 删除 olderThan 之前的日志、风控事件和绩效快照，成交记录保留
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := toMillis(olderThan)
	var total int64
	for _, table := range []string{"strategy_logs", "risk_events", "performance_metrics"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, cutoff)
		if err != nil {
			return total, errors.Wrapf(err, "cleanup %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (model.TradeRecord, error) {
	var (
		t                         model.TradeRecord
		ts                        int64
		orderID, strategy, reason sql.NullString
		side, orderType           string
		price, executed           sql.NullFloat64
		isClose                   int
	)
	if err := row.Scan(&ts, &orderID, &t.Symbol, &side, &orderType, &t.Qty, &price, &executed, &t.Status,
		&strategy, &t.ProfitLoss, &t.ProfitLossPct, &reason, &isClose); err != nil {
		return t, errors.Wrap(err, "scan trade_entries")
	}
	t.Timestamp = fromMillis(ts)
	t.OrderID = orderID.String
	t.Side = model.Side(side)
	t.OrderType = model.OrderType(orderType)
	t.Price = price.Float64
	t.ExecutedPrice = executed.Float64
	t.StrategyName = strategy.String
	t.Reason = reason.String
	t.IsClose = isClose == 1
	return t, nil
}

func marshalJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json column")
	}
	return string(b), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
