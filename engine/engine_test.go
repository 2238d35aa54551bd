package engine

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// (module (func (export "is_over_eighteen") (param i32) (result i32)
//   local.get 0 i32.const 18 i32.gt_s))
var overEighteenWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x14, 0x01, 0x10,
	'i', 's', '_', 'o', 'v', 'e', 'r', '_', 'e', 'i', 'g', 'h', 't', 'e', 'e', 'n',
	0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x41, 0x12, 0x4a, 0x0b,
}

func bootedEngine(t *testing.T) *WasmEngine {
	t.Helper()
	e := NewWasmEngine(WithCacheSize(2))
	require.NoError(t, e.Boot(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestRunBeforeBoot(t *testing.T) {
	e := NewWasmEngine()
	_, err := e.Run(context.Background(), overEighteenWasm, "is_over_eighteen", []int64{20}, DefaultParams())
	assert.ErrorIs(t, err, ErrNotBooted)
}

func TestRun(t *testing.T) {
	e := bootedEngine(t)

	tests := []struct {
		age  int64
		want int64
	}{
		{age: 25, want: 1},
		{age: 19, want: 1},
		{age: 18, want: 0},
		{age: 3, want: 0},
		{age: -1, want: 0},
	}
	for _, tt := range tests {
		trace, err := e.Run(context.Background(), overEighteenWasm, "is_over_eighteen", []int64{tt.age}, DefaultParams())
		require.NoError(t, err)

		got, err := ParseReturn(trace)
		require.NoError(t, err)
		assert.Equal(t, []int64{tt.want}, got, "age %d", tt.age)
	}
}

func TestRunErrors(t *testing.T) {
	e := bootedEngine(t)
	ctx := context.Background()

	_, err := e.Run(ctx, overEighteenWasm, "missing", []int64{1}, DefaultParams())
	assert.ErrorContains(t, err, `entry "missing" is not exported`)

	_, err = e.Run(ctx, overEighteenWasm, "is_over_eighteen", nil, DefaultParams())
	assert.ErrorContains(t, err, "takes 1 arguments, got 0")

	_, err = e.Run(ctx, []byte("not wasm"), "is_over_eighteen", []int64{1}, DefaultParams())
	assert.ErrorContains(t, err, "compile circuit")

	_, err = e.Run(ctx, overEighteenWasm, "is_over_eighteen", []int64{1}, Params{})
	assert.ErrorIs(t, err, ErrOutOfGas)

	// i32 参数不能被截断成另一个年龄
	for _, age := range []int64{math.MaxInt32 + 1, math.MinInt32 - 1, 1 << 40} {
		_, err = e.Run(ctx, overEighteenWasm, "is_over_eighteen", []int64{age}, DefaultParams())
		assert.ErrorContains(t, err, "out of i32 range", "age %d", age)
	}

	trace, err := e.Run(ctx, overEighteenWasm, "is_over_eighteen", []int64{math.MaxInt32}, DefaultParams())
	require.NoError(t, err)
	got, err := ParseReturn(trace)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got)
}

func TestCompiledModuleCached(t *testing.T) {
	e := bootedEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Run(ctx, overEighteenWasm, "is_over_eighteen", []int64{30}, DefaultParams())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.Len())
}

// 并发的首次运行只编译一次
func TestConcurrentFirstRunsCompileOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewWasmEngine(WithEngineLogger(zap.New(core)))
	require.NoError(t, e.Boot(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), overEighteenWasm, "is_over_eighteen", []int64{30}, DefaultParams())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, logs.FilterMessage("circuit compiled").Len())
	assert.Equal(t, 1, e.cache.Len())
}

// 缓存只有一格时两个电路交替运行：被淘汰的模块要等正在用它的运行结束才关闭
func TestEvictionWhileInUse(t *testing.T) {
	e := NewWasmEngine(WithCacheSize(1))
	require.NoError(t, e.Boot(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	// same code plus an empty custom section, so it hashes to another key
	variant := append(append([]byte(nil), overEighteenWasm...), 0x00, 0x02, 0x01, 'x')
	programs := [][]byte{overEighteenWasm, variant}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trace, err := e.Run(context.Background(), programs[i%2], "is_over_eighteen", []int64{int64(i)}, DefaultParams())
			if !assert.NoError(t, err) {
				return
			}
			want := int64(0)
			if i > 18 {
				want = 1
			}
			got, err := ParseReturn(trace)
			assert.NoError(t, err)
			assert.Equal(t, []int64{want}, got)
		}()
	}
	wg.Wait()

	e.modMu.Lock()
	defer e.modMu.Unlock()
	assert.Equal(t, 1, e.cache.Len())
	for _, key := range e.cache.Keys() {
		v, _ := e.cache.Peek(key)
		assert.Zero(t, v.(*cachedModule).refs)
	}
}

func TestBootIdempotentAndClose(t *testing.T) {
	e := NewWasmEngine()
	ctx := context.Background()

	require.NoError(t, e.Boot(ctx))
	rt := e.runtime
	require.NoError(t, e.Boot(ctx))
	assert.Same(t, rt, e.runtime)

	require.NoError(t, e.Close(ctx))
	_, err := e.Run(ctx, overEighteenWasm, "is_over_eighteen", []int64{30}, DefaultParams())
	assert.ErrorIs(t, err, ErrNotBooted)
}

func TestBootRejectsBadCacheSize(t *testing.T) {
	e := NewWasmEngine(WithCacheSize(0))
	assert.Error(t, e.Boot(context.Background()))
}

func TestTrace(t *testing.T) {
	p := DefaultParams()
	p.RunProfiler = true
	trace := FormatTrace("main", []int64{7, -2}, p)

	assert.Contains(t, trace, "Run completed successfully, returning [7, -2]")
	assert.Contains(t, trace, "available gas: 100000")
	assert.Contains(t, trace, "profiler: on")

	got, err := ParseReturn(trace)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, -2}, got)

	got, err = ParseReturn("Run completed successfully, returning []")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseReturn("Run panicked with [1 ('x')]")
	assert.ErrorContains(t, err, "run did not complete")
}
