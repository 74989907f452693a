package plans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
)

// DefaultRefreshSchedule is used by Start when no schedule is given.
const DefaultRefreshSchedule = "@every 5m"

// ErrNoSource is returned by Refresh when the registry was built without a source.
var ErrNoSource = errors.New("plans: registry has no source")

type snapshot struct {
	plans    map[string]Plan
	loadedAt time.Time
}

// Registry serves plan lookups from an immutable snapshot that is swapped
// atomically on refresh. Readers never block and never see a partial update.
type Registry struct {
	source  Source
	current *atomic.Pointer[snapshot]
	logger  *slog.Logger
	observe func(loaded int, err error)
	now     func() time.Time

	refreshMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	stop    chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by background refreshes.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRefreshObserver registers a callback invoked after every refresh attempt
// with the number of plans now loaded and the refresh error, if any.
func WithRefreshObserver(fn func(loaded int, err error)) RegistryOption {
	return func(r *Registry) {
		r.observe = fn
	}
}

// WithPlans seeds the registry with an initial snapshot.
func WithPlans(plans ...Plan) RegistryOption {
	return func(r *Registry) {
		r.current.Store(r.build(plans))
	}
}

// NewRegistry creates a registry backed by source. The registry starts empty
// unless seeded with WithPlans; call Refresh to load from the source.
func NewRegistry(source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:  source,
		current: atomic.NewPointer(&snapshot{plans: map[string]Plan{}}),
		logger:  slog.Default().With("component", "plans.registry"),
		now:     time.Now,
		cron:    cron.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the plan with the given id from the current snapshot.
func (r *Registry) Lookup(planID string) (Plan, bool) {
	p, ok := r.current.Load().plans[planID]
	return p, ok
}

// Plans returns every plan in the current snapshot ordered by id.
func (r *Registry) Plans() []Plan {
	snap := r.current.Load()
	out := make([]Plan, 0, len(snap.plans))
	for _, p := range snap.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadedAt returns when the current snapshot was installed.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// Replace installs plans as the new snapshot.
func (r *Registry) Replace(plans []Plan) error {
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	r.current.Store(r.build(plans))
	return nil
}

// Refresh pulls the plan list from the source and swaps it in. On error the
// previous snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	err := r.refresh(ctx)
	if r.observe != nil {
		r.observe(len(r.current.Load().plans), err)
	}
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	if r.source == nil {
		return ErrNoSource
	}
	plans, err := r.source.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}
	if err := r.Replace(plans); err != nil {
		return fmt.Errorf("invalid plan list: %w", err)
	}
	return nil
}

func (r *Registry) build(plans []Plan) *snapshot {
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		m[p.ID] = p.normalize()
	}
	return &snapshot{plans: m, loadedAt: r.now()}
}

// Start schedules Refresh on a cron schedule such as "@every 5m" or "*/10 * * * *".
// An empty schedule selects DefaultRefreshSchedule. The scheduler stops when ctx
// is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("plan refresh already running")
	}
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}

	_, err := r.cron.AddFunc(schedule, func() {
		r.runRefresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule plan refresh: %w", err)
	}

	stop := make(chan struct{})
	r.cron.Start()
	r.running = true
	r.stop = stop

	r.logger.Info("plan refresh started", "schedule", schedule)

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-stop:
		}
	}()

	return nil
}

func (r *Registry) runRefresh(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("plan refresh failed, keeping previous plans", "error", err)
		return
	}
	r.logger.Debug("plan refresh completed", "plans", len(r.current.Load().plans))
}

// Stop halts scheduled refreshes and waits for a running refresh to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		ctx := r.cron.Stop()
		<-ctx.Done()
		r.running = false
		close(r.stop)
		r.stop = nil
		r.cron = cron.New()
		r.logger.Info("plan refresh stopped")
	}
}

// IsRunning reports whether scheduled refresh is active.
func (r *Registry) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
