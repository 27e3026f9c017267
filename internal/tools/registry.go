package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/metrics"
)

// DefaultActiveCap is the soft cap on simultaneously active tools. Crossing
// it warns once; it never blocks a load.
const DefaultActiveCap = 60

// Performance report status thresholds over the active-tool count.
const (
	optimalThreshold  = 40
	moderateThreshold = 50
)

// DefaultTimeout applies when SafeExecute is called with a non-positive
// timeout.
const DefaultTimeout = 30 * time.Second

// Registry errors.
var (
	ErrToolNotFound   = errors.New("tool not registered")
	ErrToolNotLoaded  = errors.New("tool not loaded")
	ErrCoreTool       = errors.New("refusing to unload core tool without force")
	ErrAlreadyActive  = errors.New("tool already active")
	ErrLoaderNilTool  = errors.New("loader returned nil tool")
	ErrNilTool        = errors.New("nil tool")
	ErrEmptyToolName  = errors.New("empty tool name")
	ErrNilLoader      = errors.New("nil loader")
	ErrInvalidParams  = errors.New("invalid parameters")
	ErrExecuteTimeout = errors.New("tool execution timed out")
)

// entry is one registered tool: eager entries carry the instance from
// registration; lazy entries carry a loader materialized exactly once.
// tool and ldErr are written only inside once.Do; readers either go
// through materialize or check the materialized flag.
type entry struct {
	def          Definition
	tool         Tool
	lazy         bool
	loader       Loader
	once         sync.Once
	ldErr        error
	materialized atomic.Bool

	active bool

	statsMu sync.Mutex
	stats   Stats
}

// Registry holds the tool catalog. The registry maps mutate from a single
// control task under mu; tool execution is concurrent and touches only the
// per-tool stats lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	activeCap int
	capWarned bool

	logger *zap.Logger
}

// NewRegistry creates an empty registry. cap <= 0 selects DefaultActiveCap.
func NewRegistry(activeCap int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if activeCap <= 0 {
		activeCap = DefaultActiveCap
	}
	return &Registry{
		entries:   make(map[string]*entry),
		activeCap: activeCap,
		logger:    logger,
	}
}

// Register adds an eager tool. Re-registering a name replaces the prior
// entry and logs a warning; the replacement starts with fresh stats.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrNilTool
	}
	def := tool.Definition()
	if def.Name == "" {
		return ErrEmptyToolName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		r.logger.Warn("Replacing registered tool", zap.String("tool", def.Name))
	}
	r.entries[def.Name] = &entry{def: def, tool: tool}
	return nil
}

// RegisterLazy records a definition plus a loader; the tool instance is
// materialized on first Load. Re-registering replaces and warns.
func (r *Registry) RegisterLazy(def Definition, loader Loader) error {
	if def.Name == "" {
		return ErrEmptyToolName
	}
	if loader == nil {
		return ErrNilLoader
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		r.logger.Warn("Replacing registered tool", zap.String("tool", def.Name))
	}
	r.entries[def.Name] = &entry{def: def, lazy: true, loader: loader}
	return nil
}

// Unregister removes a tool entirely. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if e.active {
			metrics.ToolsActive.Dec()
		}
		delete(r.entries, name)
	}
}

// IsLazy reports whether the tool was registered lazily and has not yet
// been materialized.
func (r *Registry) IsLazy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.lazy && !e.materialized.Load()
}

// IsLoaded reports whether the tool is in the active set.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.active
}

// Available lists every registered tool name, eager and lazy.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Active lists the loaded tool names.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.active {
			names = append(names, name)
		}
	}
	return names
}

// Definition returns a tool's metadata.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Load materializes a lazy tool if needed and moves it into the active set,
// timing the operation. Exceeding the soft cap warns once but never blocks.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return ErrToolNotFound
	}
	if e.active {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	start := time.Now()
	if err := materialize(e); err != nil {
		r.logger.Error("Tool load failed", zap.String("tool", name), zap.Error(err))
		return err
	}
	loadMS := float64(time.Since(start).Microseconds()) / 1000

	r.mu.Lock()
	e.active = true
	e.statsMu.Lock()
	e.stats.LoadTimeMS = loadMS
	e.statsMu.Unlock()
	active := r.activeCount()
	warn := active > r.activeCap && !r.capWarned
	if warn {
		r.capWarned = true
	}
	r.mu.Unlock()

	metrics.ToolsActive.Inc()
	r.logger.Info("Tool loaded",
		zap.String("tool", name),
		zap.Float64("load_time_ms", loadMS),
	)
	if warn {
		r.logger.Warn("Active tool count exceeds soft cap",
			zap.Int("active", active),
			zap.Int("cap", r.activeCap),
		)
	}
	return nil
}

// LoadCategory loads every available tool in the category, returning how
// many loaded and the first error encountered.
func (r *Registry) LoadCategory(cat Category) (int, error) {
	r.mu.RLock()
	var names []string
	for name, e := range r.entries {
		if e.def.Category == cat {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	loaded := 0
	var firstErr error
	for _, name := range names {
		if err := r.Load(name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		loaded++
	}
	return loaded, firstErr
}

// Unload removes a tool from the active set. CORE tools are refused unless
// force is set. The entry stays registered and may be loaded again.
func (r *Registry) Unload(name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return ErrToolNotFound
	}
	if !e.active {
		return ErrToolNotLoaded
	}
	if e.def.Category == CategoryCore && !force {
		r.logger.Warn("Refused to unload core tool", zap.String("tool", name))
		return ErrCoreTool
	}
	e.active = false
	metrics.ToolsActive.Dec()
	r.logger.Info("Tool unloaded", zap.String("tool", name), zap.Bool("force", force))
	return nil
}

// SafeExecute validates params, applies the caller timeout, runs the tool
// with panic recovery, times the call, and updates per-tool stats. It never
// returns a nil result: every failure mode lands in Result{Success:false}.
func (r *Registry) SafeExecute(ctx context.Context, name string, params map[string]any, timeout time.Duration) *Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("tool %q not registered", name)
	}
	if err := materialize(e); err != nil {
		return ErrorResult("tool %q failed to load: %v", name, err)
	}
	if err := ValidateParams(e.def, params); err != nil {
		metrics.RecordToolExecution(name, "invalid_params", -1)
		return ErrorResult("%v", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := r.run(execCtx, e, name, params)
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000
	result.ExecutionTimeMS = elapsedMS

	status := "success"
	if !result.Success {
		status = "error"
	}
	metrics.RecordToolExecution(name, status, elapsedMS)
	r.recordStats(e, elapsedMS, result.Success)
	return result
}

// run executes the tool on its own goroutine so a blocking tool cannot
// outlive the caller's timeout.
func (r *Registry) run(ctx context.Context, e *entry, name string, params map[string]any) *Result {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Tool panicked",
					zap.String("tool", name),
					zap.Any("panic", p),
				)
				done <- outcome{res: ErrorResult("panic: %v", p)}
			}
		}()
		res, err := e.tool.Execute(Invocation{Ctx: ctx}, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return ErrorResult("timeout")
	case out := <-done:
		if out.err != nil {
			return ErrorResult("%v", out.err)
		}
		if out.res == nil {
			return ErrorResult("tool returned no result")
		}
		return out.res
	}
}

func (r *Registry) recordStats(e *entry, elapsedMS float64, success bool) {
	now := time.Now()
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := &e.stats
	s.Executions++
	if !success {
		s.Errors++
	}
	s.TotalMS += elapsedMS
	if s.MinMS == 0 || elapsedMS < s.MinMS {
		s.MinMS = elapsedMS
	}
	if elapsedMS > s.MaxMS {
		s.MaxMS = elapsedMS
	}
	s.LastExecuted = &now
}

// Stats returns a copy of the tool's execution accounting.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats, true
}

// PerformanceStatus classifies registry load.
type PerformanceStatus string

const (
	StatusOptimal    PerformanceStatus = "optimal"
	StatusModerate   PerformanceStatus = "moderate"
	StatusHeavy      PerformanceStatus = "heavy"
	StatusOverloaded PerformanceStatus = "overloaded"
)

// PerformanceReport is the process-wide registry summary.
type PerformanceReport struct {
	ActiveTools            int               `json:"active_tools"`
	AvailableTools         int               `json:"available_tools"`
	Status                 PerformanceStatus `json:"status"`
	Categories             map[Category]int  `json:"categories"`
	Recommendation         string            `json:"recommendation"`
	TotalExecutions        int64             `json:"total_executions"`
	AverageExecutionTimeMS float64           `json:"average_execution_time_ms"`
}

// Report builds the performance report. Thresholds over the active count:
// <=40 optimal, <=50 moderate, <=cap heavy, beyond the cap overloaded.
func (r *Registry) Report() PerformanceReport {
	r.mu.RLock()
	active := r.activeCount()
	available := len(r.entries)
	categories := make(map[Category]int)
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.active {
			categories[e.def.Category]++
		}
		entries = append(entries, e)
	}
	cap := r.activeCap
	r.mu.RUnlock()

	var totalExec int64
	var totalMS float64
	for _, e := range entries {
		e.statsMu.Lock()
		totalExec += e.stats.Executions
		totalMS += e.stats.TotalMS
		e.statsMu.Unlock()
	}

	rep := PerformanceReport{
		ActiveTools:    active,
		AvailableTools: available,
		Categories:     categories,
	}
	switch {
	case active <= optimalThreshold:
		rep.Status = StatusOptimal
		rep.Recommendation = "tool load is healthy"
	case active <= moderateThreshold:
		rep.Status = StatusModerate
		rep.Recommendation = "consider unloading unused categories"
	case active <= cap:
		rep.Status = StatusHeavy
		rep.Recommendation = "unload non-core tools before loading more"
	default:
		rep.Status = StatusOverloaded
		rep.Recommendation = fmt.Sprintf("active tools exceed the cap of %d; unload aggressively", cap)
	}
	rep.TotalExecutions = totalExec
	if totalExec > 0 {
		rep.AverageExecutionTimeMS = totalMS / float64(totalExec)
	}
	return rep
}

// activeCount counts loaded tools. Callers hold r.mu.
func (r *Registry) activeCount() int {
	n := 0
	for _, e := range r.entries {
		if e.active {
			n++
		}
	}
	return n
}

// materialize resolves a lazy entry's instance exactly once.
func materialize(e *entry) error {
	if !e.lazy {
		return nil
	}
	e.once.Do(func() {
		tool, err := e.loader()
		if err != nil {
			e.ldErr = err
			return
		}
		if tool == nil {
			e.ldErr = ErrLoaderNilTool
			return
		}
		e.tool = tool
		e.materialized.Store(true)
	})
	return e.ldErr
}
