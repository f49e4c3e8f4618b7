package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/mint/arena"
	"github.com/chazu/mint/metadata"
)

var log = commonlog.GetLogger("mint.vm")

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the runtime limits and hooks.
type Config struct {
	// InitialStackSlots is the size of a new thread's value stack.
	InitialStackSlots int
	// MaxStackSlots bounds stack growth; exceeding it fails the invocation
	// with ErrStackExhausted.
	MaxStackSlots int
	// MaxFrameDepth bounds call depth.
	MaxFrameDepth int
	// ArenaBlockSize is the block size of the shared arena pool.
	ArenaBlockSize int

	Tracer      Tracer
	Collector   Collector
	OnUnhandled func(*UnhandledError)
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		InitialStackSlots: 1024,
		MaxStackSlots:     1 << 20,
		MaxFrameDepth:     10000,
		ArenaBlockSize:    arena.DefaultBlockSize,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(cfg *Config) { *cfg = c }
}

// WithInitialStackSlots sets the value stack size of new threads.
func WithInitialStackSlots(n int) Option {
	return func(c *Config) { c.InitialStackSlots = n }
}

// WithMaxStackSlots bounds value stack growth.
func WithMaxStackSlots(n int) Option {
	return func(c *Config) { c.MaxStackSlots = n }
}

// WithMaxFrameDepth bounds call depth.
func WithMaxFrameDepth(n int) Option {
	return func(c *Config) { c.MaxFrameDepth = n }
}

// WithArenaBlockSize sets the block size of the shared arena pool.
func WithArenaBlockSize(n int) Option {
	return func(c *Config) { c.ArenaBlockSize = n }
}

// WithTracer installs execution hooks on every thread.
func WithTracer(t Tracer) Option {
	return func(c *Config) { c.Tracer = t }
}

// WithCollector installs the collector polled at safepoints.
func WithCollector(col Collector) Option {
	return func(c *Config) { c.Collector = col }
}

// WithUnhandledHandler replaces the default unhandled exception policy,
// which logs the exception.
func WithUnhandledHandler(fn func(*UnhandledError)) Option {
	return func(c *Config) { c.OnUnhandled = fn }
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.InitialStackSlots <= 0 {
		c.InitialStackSlots = d.InitialStackSlots
	}
	if c.MaxStackSlots <= 0 {
		c.MaxStackSlots = d.MaxStackSlots
	}
	if c.InitialStackSlots > c.MaxStackSlots {
		c.InitialStackSlots = c.MaxStackSlots
	}
	if c.MaxFrameDepth <= 0 {
		c.MaxFrameDepth = d.MaxFrameDepth
	}
	if c.ArenaBlockSize <= 0 {
		c.ArenaBlockSize = d.ArenaBlockSize
	}
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime ties together the memory managers of attached loading contexts,
// the thread pool and the suspension protocol.
type Runtime struct {
	cfg  Config
	pool *arena.Pool

	mu       sync.Mutex
	managers map[metadata.LoadContext]*MemoryManager

	threads sync.Pool
	world   *World

	layouts   sync.Map // *metadata.Class -> []Kind
	overrides sync.Map // overrideKey -> *metadata.Method
}

type overrideKey struct {
	class  *metadata.Class
	method *metadata.Method
}

// NewRuntime creates a runtime.
func NewRuntime(opts ...Option) *Runtime {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	r := &Runtime{
		cfg:      cfg,
		pool:     arena.NewPool(cfg.ArenaBlockSize),
		managers: make(map[metadata.LoadContext]*MemoryManager),
		world:    newWorld(),
	}
	r.threads.New = func() any { return r.NewThread() }
	return r
}

// Config returns the effective configuration.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Pool returns the arena block pool shared by every manager.
func (r *Runtime) Pool() *arena.Pool {
	return r.pool
}

// World returns the suspension protocol of the runtime's threads.
func (r *Runtime) World() *World {
	return r.world
}

// Attach returns the memory manager of ctx, creating it when ctx has none
// or its previous manager was destroyed.
func (r *Runtime) Attach(ctx metadata.LoadContext) *MemoryManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mm, ok := r.managers[ctx]; ok && !mm.Destroyed() {
		return mm
	}
	mm := newMemoryManager(r, ctx)
	r.managers[ctx] = mm
	log.Debugf("attached %s as memory manager %s", ctx.Name(), mm.ID)
	return mm
}

// Manager returns the manager of ctx, if attached.
func (r *Runtime) Manager(ctx metadata.LoadContext) (*MemoryManager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mm, ok := r.managers[ctx]
	return mm, ok
}

// Managers returns every attached manager.
func (r *Runtime) Managers() []*MemoryManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MemoryManager, 0, len(r.managers))
	for _, mm := range r.managers {
		out = append(out, mm)
	}
	return out
}

// Detach destroys the manager of ctx. Its methods must not be executing.
// The destroyed manager stays registered, so later work against ctx fails
// with ErrManagerDestroyed until ctx is attached again.
func (r *Runtime) Detach(ctx metadata.LoadContext) error {
	r.mu.Lock()
	mm, ok := r.managers[ctx]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: %s is not attached", ctx.Name())
	}
	mm.Destroy()
	return nil
}

// managerFor returns the manager owning ctx's methods, attaching ctx on
// first use.
func (r *Runtime) managerFor(ctx metadata.LoadContext) (*MemoryManager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("vm: method has no loading context")
	}
	r.mu.Lock()
	mm, ok := r.managers[ctx]
	r.mu.Unlock()
	if ok {
		return mm, nil
	}
	return r.Attach(ctx), nil
}

// GetOrTransform returns the interpreter method of desc from the manager of
// its loading context.
func (r *Runtime) GetOrTransform(desc *metadata.Method) (*Method, error) {
	mm, err := r.managerFor(desc.Context())
	if err != nil {
		return nil, err
	}
	return mm.GetOrTransform(desc)
}

// staticSlot returns the storage of f and the manager owning it.
func (r *Runtime) staticSlot(f *metadata.Field) (*MemoryManager, *Value, error) {
	mm, err := r.managerFor(f.DeclaringClass.Image)
	if err != nil {
		return nil, nil, err
	}
	v, err := mm.staticSlot(f)
	if err != nil {
		return nil, nil, err
	}
	return mm, v, nil
}

// findOverride resolves the implementation of m for instances of c, cached
// per class and method.
func (r *Runtime) findOverride(res metadata.Resolver, c *metadata.Class, m *metadata.Method) (*metadata.Method, error) {
	key := overrideKey{c, m}
	if v, ok := r.overrides.Load(key); ok {
		return v.(*metadata.Method), nil
	}
	impl, err := res.FindOverride(c, m)
	if err != nil {
		return nil, err
	}
	r.overrides.Store(key, impl)
	return impl, nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// Invoke runs desc on a pooled thread and returns its result. Managed
// exceptions that escape desc are reported to the unhandled policy and
// returned as *UnhandledError.
func (r *Runtime) Invoke(ctx context.Context, desc *metadata.Method, args ...Value) (Value, error) {
	t := r.threads.Get().(*Thread)
	defer r.threads.Put(t)
	return t.Invoke(ctx, desc, args...)
}

func (r *Runtime) unhandled(e *UnhandledError) {
	if r.cfg.OnUnhandled != nil {
		r.cfg.OnUnhandled(e)
		return
	}
	log.Errorf("%v", e)
}
