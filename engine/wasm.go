package engine

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

const (
	DefaultCacheSize  = 8
	DefaultRunTimeout = 30 * time.Second
)

// WasmEngine runs circuits compiled to WebAssembly on a wazero runtime.
// Compiled modules are cached by the blake3 digest of their bytes, and every
// run gets a fresh instance so no state leaks between proofs.
type WasmEngine struct {
	mu      sync.RWMutex
	runtime wazero.Runtime

	modMu sync.Mutex // guards cache and the refs of every cachedModule
	cache *lru.Cache // [32]byte -> *cachedModule

	cacheSize  int
	runTimeout time.Duration
	logger     *zap.Logger
}

// cachedModule is closed once it has been evicted and no run holds it.
type cachedModule struct {
	compiled wazero.CompiledModule
	refs     int
	evicted  bool
}

type WasmOption func(*WasmEngine)

func WithCacheSize(n int) WasmOption {
	return func(e *WasmEngine) { e.cacheSize = n }
}

// WithRunTimeout bounds a single run. Zero leaves runs bounded only by the caller's context.
func WithRunTimeout(d time.Duration) WasmOption {
	return func(e *WasmEngine) { e.runTimeout = d }
}

func WithEngineLogger(l *zap.Logger) WasmOption {
	return func(e *WasmEngine) { e.logger = l }
}

func NewWasmEngine(opts ...WasmOption) *WasmEngine {
	e := &WasmEngine{
		cacheSize:  DefaultCacheSize,
		runTimeout: DefaultRunTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Boot creates the runtime. Booting an already booted engine is a no-op.
func (e *WasmEngine) Boot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime != nil {
		return nil
	}
	if e.cacheSize <= 0 {
		return xerrors.Errorf("invalid module cache size %d", e.cacheSize)
	}

	// Eviction happens inside cache.Add and cache.Purge, both called with modMu held.
	cache, err := lru.NewWithEvict(e.cacheSize, func(_, value interface{}) {
		m := value.(*cachedModule)
		m.evicted = true
		if m.refs == 0 {
			_ = m.compiled.Close(context.Background())
		}
	})
	if err != nil {
		return xerrors.Errorf("create module cache: %w", err)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	e.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	e.cache = cache
	e.logger.Info("wasm engine booted", zap.Int("cache_size", e.cacheSize))
	return nil
}

func (e *WasmEngine) Run(ctx context.Context, program []byte, entry string, args []int64, params Params) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.runtime == nil {
		return "", ErrNotBooted
	}
	if params.AvailableGas == 0 {
		return "", ErrOutOfGas
	}

	cm, err := e.acquire(ctx, program)
	if err != nil {
		return "", err
	}
	defer e.release(cm)

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	// anonymous so concurrent runs of the same circuit don't collide on the module name
	mod, err := e.runtime.InstantiateModule(ctx, cm.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return "", xerrors.Errorf("instantiate circuit: %w", err)
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return "", xerrors.Errorf("entry %q is not exported by the circuit", entry)
	}

	def := fn.Definition()
	paramTypes := def.ParamTypes()
	if len(args) != len(paramTypes) {
		return "", xerrors.Errorf("entry %q takes %d arguments, got %d", entry, len(paramTypes), len(args))
	}
	encoded := make([]uint64, len(args))
	for i, a := range args {
		switch paramTypes[i] {
		case api.ValueTypeI32:
			if a < math.MinInt32 || a > math.MaxInt32 {
				return "", xerrors.Errorf("entry %q: argument %d out of i32 range: %d", entry, i, a)
			}
			encoded[i] = api.EncodeI32(int32(a))
		case api.ValueTypeI64:
			encoded[i] = api.EncodeI64(a)
		default:
			return "", xerrors.Errorf("entry %q: unsupported parameter type %s", entry, api.ValueTypeName(paramTypes[i]))
		}
	}

	raw, err := fn.Call(ctx, encoded...)
	if err != nil {
		return "", xerrors.Errorf("run %s: %w", entry, err)
	}

	resultTypes := def.ResultTypes()
	results := make([]int64, len(raw))
	for i, r := range raw {
		if resultTypes[i] == api.ValueTypeI32 {
			results[i] = int64(api.DecodeI32(r))
		} else {
			results[i] = int64(r)
		}
	}

	return FormatTrace(entry, results, params), nil
}

// acquire returns the compiled module for program, compiling it on a miss.
// Compiles are serialized so concurrent first runs share one module.
func (e *WasmEngine) acquire(ctx context.Context, program []byte) (*cachedModule, error) {
	e.modMu.Lock()
	defer e.modMu.Unlock()

	key := blake3.Sum256(program)
	if v, ok := e.cache.Get(key); ok {
		m := v.(*cachedModule)
		m.refs++
		return m, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, program)
	if err != nil {
		return nil, xerrors.Errorf("compile circuit: %w", err)
	}
	m := &cachedModule{compiled: compiled, refs: 1}
	e.cache.Add(key, m)
	e.logger.Debug("circuit compiled", zap.Int("bytes", len(program)))
	return m, nil
}

func (e *WasmEngine) release(m *cachedModule) {
	e.modMu.Lock()
	defer e.modMu.Unlock()

	m.refs--
	if m.evicted && m.refs == 0 {
		_ = m.compiled.Close(context.Background())
	}
}

// Close releases the runtime and every cached module.
func (e *WasmEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime == nil {
		return nil
	}
	e.modMu.Lock()
	e.cache.Purge()
	e.modMu.Unlock()
	err := e.runtime.Close(ctx)
	e.runtime = nil
	e.cache = nil
	return err
}
