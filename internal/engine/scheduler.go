package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto-strategy-engine/internal/marketdata"
	"crypto-strategy-engine/internal/model"
	"crypto-strategy-engine/internal/storage"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Config 调度器参数
type Config struct {
	UpdateInterval    time.Duration
	MaxConcurrent     int
	CacheTTL          time.Duration
	StallThreshold    time.Duration
	MetricsInterval   time.Duration
	UnregisterTimeout time.Duration
	StopTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval:    5 * time.Second,
		MaxConcurrent:     3,
		CacheTTL:          marketdata.DefaultTTL,
		StallThreshold:    300 * time.Second,
		MetricsInterval:   15 * time.Minute,
		UnregisterTimeout: 5 * time.Second,
		StopTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.UnregisterTimeout <= 0 {
		c.UnregisterTimeout = d.UnregisterTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// EngineStatus 调度器整体状态
type EngineStatus struct {
	IsRunning         bool
	StartTime         time.Time
	Uptime            time.Duration
	TotalStrategies   int
	RunningStrategies int
	TotalUpdates      int64
	ErrorsCount       int64
	UpdateInterval    time.Duration
	CacheSize         int
}

// Incident 监控发现的问题，每次事故只上报一次
type Incident struct {
	ID   string
	Kind string // stall | error
}

const (
	incidentStall = "stall"
	incidentError = "error"
)

// handle 一个 worker 运行循环的取消函数与退出信号
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithSchedulerClock 替换时间源 (测试使用)
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler 管理所有 worker 的注册、启停与运行循环，并驱动引擎主循环
// (行情刷新、健康监控、绩效落库)
type Scheduler struct {
	cfg     Config
	cache   *marketdata.Cache
	journal *storage.Journal
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	workers     map[string]*Worker
	handles     map[string]*handle
	starting    map[string]struct{} // Start 进行中，计入并发上限
	flagged     map[string]string
	startTime   time.Time
	lastMetrics time.Time
	loopCancel  context.CancelFunc
	loopDone    chan struct{}

	totalUpdates atomic.Int64
	errorsCount  atomic.Int64
}

func NewScheduler(cfg Config, cache *marketdata.Cache, journal *storage.Journal, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if journal == nil {
		journal = storage.NewJournal(nil, logger)
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		cache:    cache,
		journal:  journal,
		logger:   logger.With(zap.String("Component", "scheduler")),
		now:      time.Now,
		workers:  make(map[string]*Worker),
		handles:  make(map[string]*handle),
		starting: make(map[string]struct{}),
		flagged:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Register(id string, w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "register %s", id)
	}
	s.workers[id] = w
	s.logger.Info("Strategy registered", zap.String("Strategy", id), zap.String("Symbol", w.Symbol()))
	return nil
}

// Unregister 先停止 worker 并等待其循环退出 (有超时)，再从注册表移除
func (s *Scheduler) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrStrategyNotFound, "unregister %s", id)
	}

	w.Stop(ctx)
	if h != nil {
		h.cancel()
		s.join(id, h, s.cfg.UnregisterTimeout)
	}

	s.mu.Lock()
	delete(s.workers, id)
	delete(s.flagged, id)
	s.mu.Unlock()
	s.logger.Info("Strategy unregistered", zap.String("Strategy", id))
	return nil
}

// StartStrategy 在并发上限内启动 worker 并派生其运行循环。
// 先在锁内占用名额，连通性探测在锁外进行，完成后再派生循环
func (s *Scheduler) StartStrategy(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrStrategyNotFound, "start %s", id)
	}
	if _, busy := s.starting[id]; busy || w.State() == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if n := s.activeLocked(); n >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return errors.Wrapf(ErrConcurrencyLimit, "%d/%d running", n, s.cfg.MaxConcurrent)
	}
	s.starting[id] = struct{}{}
	s.mu.Unlock()

	err := w.Start(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, id)
	if err != nil {
		return err
	}
	if s.workers[id] != w {
		// 启动期间被注销
		go w.Stop(context.Background())
		return errors.Wrapf(ErrStrategyNotFound, "start %s", id)
	}
	if w.State() != StateRunning {
		// 启动后立即被 StopStrategy 停止
		return nil
	}
	s.spawnLocked(id, w)
	delete(s.flagged, id)
	return nil
}

// StopStrategy 停止 worker (等待进行中的 tick)，取消并等待其循环退出
func (s *Scheduler) StopStrategy(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrStrategyNotFound, "stop %s", id)
	}

	if !w.Stop(ctx) {
		s.logger.Debug("Strategy already stopped", zap.String("Strategy", id))
	}
	if h != nil {
		h.cancel()
		s.join(id, h, s.cfg.StopTimeout)
	}
	return nil
}

func (s *Scheduler) PauseStrategy(id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if !w.Pause() {
		return errors.Wrapf(ErrInvalidTransition, "pause %s from %s", id, w.State())
	}
	return nil
}

// ResumeStrategy 恢复暂停的 worker，同样受并发上限约束
func (s *Scheduler) ResumeStrategy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return errors.Wrapf(ErrStrategyNotFound, "resume %s", id)
	}
	if w.State() == StatePaused {
		if n := s.activeLocked(); n >= s.cfg.MaxConcurrent {
			return errors.Wrapf(ErrConcurrencyLimit, "%d/%d running", n, s.cfg.MaxConcurrent)
		}
	}
	if !w.Resume() {
		return errors.Wrapf(ErrInvalidTransition, "resume %s from %s", id, w.State())
	}
	// 运行循环在暂停期间一直存活；若已退出则重新派生
	if h, ok := s.handles[id]; !ok || isDone(h) {
		s.spawnLocked(id, w)
	}
	return nil
}

func (s *Scheduler) spawnLocked(id string, w *Worker) {
	if old, ok := s.handles[id]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.handles[id] = h
	go s.runLoop(ctx, id, w, h.done)
}

// runLoop worker 的运行循环：读缓存 (缺失或过期时刷新) → Update → 休眠。
// worker 进入 STOPPED/ERROR 或 ctx 取消时退出
func (s *Scheduler) runLoop(ctx context.Context, id string, w *Worker, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.errorsCount.Add(1)
			s.logger.Error("Worker loop panicked", zap.String("Strategy", id), zap.Any("Panic", r))
		}
	}()

	logger := s.logger.With(zap.String("Strategy", id))
	logger.Debug("Worker loop started")
	defer logger.Debug("Worker loop exited")

	t := time.NewTicker(s.cfg.UpdateInterval)
	defer t.Stop()
	for {
		switch w.State() {
		case StateStopped, StateError:
			return
		case StateRunning:
			s.tickWorker(ctx, w, logger)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) tickWorker(ctx context.Context, w *Worker, logger *zap.Logger) {
	snap, ok := s.cache.Get(w.Symbol())
	if !ok || !snap.Fresh(s.cfg.CacheTTL, s.now()) {
		var err error
		snap, err = s.cache.Refresh(ctx, w.Symbol())
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Market data unavailable, skipping tick", zap.Error(err))
			}
			return
		}
	}

	s.totalUpdates.Add(1)
	if err := w.Update(ctx, snap); err != nil {
		s.errorsCount.Add(1)
	}
}

func (s *Scheduler) join(id string, h *handle, timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		s.logger.Warn("Worker loop did not exit in time",
			zap.String("Strategy", id),
			zap.Duration("Timeout", timeout))
		return false
	}
}

// Run 引擎主循环，每个周期：刷新运行中策略的行情、监控、按间隔落库绩效。
// ctx 取消或 Halt/EmergencyStop/Shutdown 时返回
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.loopDone != nil {
		s.mu.Unlock()
		return errors.New("engine loop already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	s.startTime = s.now()
	s.lastMetrics = s.startTime
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.loopCancel = nil
		s.loopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info("Engine loop started", zap.Duration("UpdateInterval", s.cfg.UpdateInterval))
	t := time.NewTicker(s.cfg.UpdateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Engine loop stopped")
			return nil
		case <-t.C:
			s.engineTick(ctx)
		}
	}
}

func (s *Scheduler) engineTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.errorsCount.Add(1)
			s.logger.Error("Engine tick panicked", zap.Any("Panic", r))
		}
	}()

	if symbols := s.runningSymbols(); len(symbols) > 0 {
		if failed := s.cache.RefreshAll(ctx, symbols); len(failed) > 0 {
			s.errorsCount.Add(int64(len(failed)))
		}
	}

	now := s.now()
	s.Monitor(ctx, now)
	s.maybeFlushMetrics(ctx, now)
}

// Monitor 检查停滞 (lastUpdate 超过阈值未推进) 与 ERROR 状态的 worker。
// 同一事故只上报一次，不会自动重启
func (s *Scheduler) Monitor(ctx context.Context, now time.Time) []Incident {
	type flaggedWorker struct {
		Incident
		w *Worker
	}

	s.mu.Lock()
	var found []flaggedWorker
	for _, id := range s.sortedIDsLocked() {
		w := s.workers[id]
		kind := ""
		switch w.State() {
		case StateError:
			kind = incidentError
		case StateRunning:
			if now.Sub(w.LastUpdate()) >= s.cfg.StallThreshold {
				kind = incidentStall
			}
		}

		if kind == "" {
			delete(s.flagged, id)
			continue
		}
		if s.flagged[id] == kind {
			continue
		}
		s.flagged[id] = kind
		found = append(found, flaggedWorker{Incident{ID: id, Kind: kind}, w})
	}
	s.mu.Unlock()

	incidents := make([]Incident, 0, len(found))
	for _, f := range found {
		incidents = append(incidents, f.Incident)
		st := f.w.Status()
		if f.Kind == incidentError {
			s.logger.Error("Strategy in ERROR state", zap.String("Strategy", f.ID), zap.String("LastError", st.LastError))
			continue
		}
		s.logger.Warn("Strategy stalled",
			zap.String("Strategy", f.ID),
			zap.Time("LastUpdate", st.LastUpdate),
			zap.Duration("Threshold", s.cfg.StallThreshold))
		s.journal.Event(ctx, model.StrategyEvent{
			StrategyName: f.ID,
			Symbol:       st.Symbol,
			Action:       ActionStallDetected,
			HumanText:    fmt.Sprintf("no update since %s", st.LastUpdate.Format(time.RFC3339)),
			SessionID:    st.SessionID,
			Timestamp:    now,
		})
	}
	return incidents
}

func (s *Scheduler) maybeFlushMetrics(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastMetrics) < s.cfg.MetricsInterval {
		s.mu.Unlock()
		return
	}
	s.lastMetrics = now
	var running []*Worker
	for _, w := range s.workers {
		if w.State() == StateRunning {
			running = append(running, w)
		}
	}
	s.mu.Unlock()

	for _, w := range running {
		w.FlushMetrics(ctx)
	}
	s.logger.Debug("Performance metrics flushed", zap.Int("Strategies", len(running)))
}

// EmergencyStop 并发停止所有 worker (不论状态)，每个停止有超时，
// 失败记录后继续，最后停止引擎主循环
func (s *Scheduler) EmergencyStop() {
	s.logger.Warn("EMERGENCY STOP triggered")
	ids := s.ids()

	var wg conc.WaitGroup
	for _, id := range ids {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- s.StopStrategy(ctx, id) }()
			select {
			case err := <-errCh:
				if err != nil {
					s.logger.Error("Emergency stop failed", zap.String("Strategy", id), zap.Error(err))
				}
			case <-ctx.Done():
				s.logger.Error("Emergency stop timed out", zap.String("Strategy", id))
			}
		})
	}
	wg.Wait()

	s.journal.Event(context.Background(), model.StrategyEvent{
		StrategyName: "engine",
		Symbol:       "*",
		Action:       ActionEmergencyStop,
		HumanText:    fmt.Sprintf("emergency stop of %d strategies", len(ids)),
		Timestamp:    s.now(),
	})
	s.Halt()
}

// Shutdown 正常停止所有 RUNNING/PAUSED 的 worker，再停止主循环
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.logger.Info("Shutting down engine")
	for _, id := range s.ids() {
		w, err := s.worker(id)
		if err != nil {
			continue
		}
		if st := w.State(); st != StateRunning && st != StatePaused {
			continue
		}
		if err := s.StopStrategy(ctx, id); err != nil {
			s.logger.Warn("Failed to stop strategy", zap.String("Strategy", id), zap.Error(err))
		}
	}

	// ERROR 状态 worker 的循环已退出，这里只清理句柄
	s.mu.Lock()
	for id, h := range s.handles {
		h.cancel()
		delete(s.handles, id)
	}
	s.mu.Unlock()

	s.Halt()
}

// Halt 停止引擎主循环并等待其返回
func (s *Scheduler) Halt() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Engine loop did not exit in time")
	}
}

func (s *Scheduler) StrategyStatus(id string) (Status, error) {
	w, err := s.worker(id)
	if err != nil {
		return Status{}, err
	}
	return w.Status(), nil
}

// Statuses 所有 worker 的状态 (按 id 排序)
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	ws := make([]*Worker, 0, len(s.workers))
	for _, id := range s.sortedIDsLocked() {
		ws = append(ws, s.workers[id])
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	return out
}

func (s *Scheduler) EngineStatus() EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := EngineStatus{
		IsRunning:         s.loopDone != nil,
		StartTime:         s.startTime,
		TotalStrategies:   len(s.workers),
		RunningStrategies: s.runningLocked(),
		TotalUpdates:      s.totalUpdates.Load(),
		ErrorsCount:       s.errorsCount.Load(),
		UpdateInterval:    s.cfg.UpdateInterval,
		CacheSize:         s.cache.Size(),
	}
	if st.IsRunning {
		st.Uptime = s.now().Sub(s.startTime)
	}
	return st
}

func (s *Scheduler) worker(id string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, errors.Wrapf(ErrStrategyNotFound, "%s", id)
	}
	return w, nil
}

func (s *Scheduler) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDsLocked()
}

func (s *Scheduler) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// activeLocked 运行中加上正在启动的 worker 数
func (s *Scheduler) activeLocked() int {
	n := s.runningLocked()
	for id := range s.starting {
		if w, ok := s.workers[id]; ok && w.State() != StateRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) runningLocked() int {
	n := 0
	for _, w := range s.workers {
		if w.State() == StateRunning {
			n++
		}
	}
	return n
}

// runningSymbols RUNNING worker 的去重交易对
func (s *Scheduler) runningSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, w := range s.workers {
		if w.State() != StateRunning {
			continue
		}
		if _, ok := seen[w.Symbol()]; ok {
			continue
		}
		seen[w.Symbol()] = struct{}{}
		out = append(out, w.Symbol())
	}
	sort.Strings(out)
	return out
}

func isDone(h *handle) bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
