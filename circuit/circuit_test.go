package circuit

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"proof-rpc/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	trace string
	err   error
	runs  int
}

func (s *stubEngine) Boot(context.Context) error  { return nil }
func (s *stubEngine) Close(context.Context) error { return nil }
func (s *stubEngine) Run(context.Context, []byte, string, []int64, engine.Params) (string, error) {
	s.runs++
	return s.trace, s.err
}

type failingSource struct{}

func (failingSource) Load(context.Context) ([]byte, error) {
	return nil, errors.New("not found")
}

func wasmBackend(t *testing.T) *Backend {
	t.Helper()
	eng := engine.NewWasmEngine()
	require.NoError(t, eng.Boot(context.Background()))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return NewBackend(eng, EmbeddedSource{})
}

func TestProveAndVerify(t *testing.T) {
	b := wasmBackend(t)
	ctx := context.Background()

	res, err := b.Prove(ctx, Input{Age: 25})
	require.NoError(t, err)
	assert.Len(t, res.Proof, proofLen)
	assert.Equal(t, []string{"25", "true"}, res.PublicInputs)

	ok, err := b.Verify(ctx, res.Proof, res.PublicInputs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProveMinor(t *testing.T) {
	b := wasmBackend(t)
	ctx := context.Background()

	res, err := b.Prove(ctx, Input{Age: 16})
	require.NoError(t, err)
	assert.Equal(t, []string{"16", "false"}, res.PublicInputs)

	ok, err := b.Verify(ctx, res.Proof, res.PublicInputs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTampering(t *testing.T) {
	b := wasmBackend(t)
	ctx := context.Background()

	res, err := b.Prove(ctx, Input{Age: 30})
	require.NoError(t, err)

	tampered := append([]byte(nil), res.Proof...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name   string
		proof  []byte
		inputs []string
	}{
		{"flipped commitment", tampered, res.PublicInputs},
		{"wrong claim", res.Proof, []string{"30", "false"}},
		{"other age", res.Proof, []string{"31", "true"}},
		{"empty proof", nil, res.PublicInputs},
		{"missing inputs", res.Proof, []string{"30"}},
		{"non numeric age", res.Proof, []string{"thirty", "true"}},
		{"non bool claim", res.Proof, []string{"30", "yes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := b.Verify(ctx, tt.proof, tt.inputs)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestProveEngineFaults(t *testing.T) {
	ctx := context.Background()

	_, err := NewBackend(&stubEngine{}, failingSource{}).Prove(ctx, Input{Age: 20})
	assert.ErrorContains(t, err, "failed to load circuit source")

	_, err = NewBackend(&stubEngine{err: errors.New("boom")}, EmbeddedSource{}).Prove(ctx, Input{Age: 20})
	assert.ErrorContains(t, err, "circuit execution failed: boom")

	_, err = NewBackend(&stubEngine{trace: "Run panicked"}, EmbeddedSource{}).Prove(ctx, Input{Age: 20})
	assert.ErrorContains(t, err, "circuit execution failed")

	_, err = NewBackend(&stubEngine{trace: "Run completed successfully, returning [1, 0]"}, EmbeddedSource{}).Prove(ctx, Input{Age: 20})
	assert.ErrorContains(t, err, "returned 2 values")
}

func TestProveRejectsAgeOutsideCircuitRange(t *testing.T) {
	b := wasmBackend(t)
	ctx := context.Background()

	_, err := b.Prove(ctx, Input{Age: math.MaxInt32 + 1})
	assert.ErrorContains(t, err, "out of i32 range")

	_, err = b.Verify(ctx, append([]byte{proofVersion}, make([]byte, proofLen-1)...), []string{"2147483648", "false"})
	assert.ErrorContains(t, err, "out of i32 range")
}

func TestBootNeedsSource(t *testing.T) {
	err := NewBackend(&stubEngine{}, failingSource{}).Boot(context.Background())
	assert.ErrorContains(t, err, "failed to load circuit source: not found")

	assert.NoError(t, NewBackend(&stubEngine{}, EmbeddedSource{}).Boot(context.Background()))
}

func TestVerifySkipsEngineOnMalformedProof(t *testing.T) {
	eng := &stubEngine{}
	ok, err := NewBackend(eng, EmbeddedSource{}).Verify(context.Background(), []byte{1}, []string{"20", "true"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, eng.runs)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.wasm")
	require.NoError(t, os.WriteFile(path, overEighteen, 0o644))

	src := NewSource(path)
	data, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, overEighteen, data)

	_, err = NewSource(filepath.Join(t.TempDir(), "missing.wasm")).Load(context.Background())
	assert.Error(t, err)

	assert.IsType(t, EmbeddedSource{}, NewSource(""))
}
