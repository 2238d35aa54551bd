// Package circuit translates proof requests into engine runs and back.
//
// A proof is produced by running the circuit entry for the input, reading the
// returned value from the engine trace, and sealing the outcome with a blake3
// commitment over the circuit digest, the entry, the input and the result:
//
//	proof = version(1) | result(1) | blake3(digest || entry || age || result)
//
// Verification re-runs the circuit for the public input and checks both the
// claimed result and the commitment.
package circuit

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"strconv"

	"proof-rpc/engine"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

const (
	// Entry is the circuit function invoked for every proof.
	Entry = "is_over_eighteen"

	proofVersion = 0x01
	proofLen     = 2 + 32
)

// Input is the private input of the age circuit.
type Input struct {
	Age int `json:"age"`
}

// ProofResult is what generateProof returns: the proof bytes and the public
// inputs the proof commits to, [age, "true"|"false"].
type ProofResult struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

// Backend drives an engine.Engine on behalf of the worker dispatcher.
type Backend struct {
	engine engine.Engine
	source SourceLoader
	params engine.Params
	logger *zap.Logger
}

type Option func(*Backend)

func WithParams(p engine.Params) Option {
	return func(b *Backend) { b.params = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

func NewBackend(eng engine.Engine, source SourceLoader, opts ...Option) *Backend {
	b := &Backend{
		engine: eng,
		source: source,
		params: engine.DefaultParams(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Boot boots the underlying engine and checks that the circuit can be loaded.
func (b *Backend) Boot(ctx context.Context) error {
	if _, err := b.source.Load(ctx); err != nil {
		return xerrors.Errorf("failed to load circuit source: %w", err)
	}
	return b.engine.Boot(ctx)
}

// Prove runs the circuit for in and seals the result.
func (b *Backend) Prove(ctx context.Context, in Input) (ProofResult, error) {
	program, over, err := b.run(ctx, in.Age)
	if err != nil {
		return ProofResult{}, err
	}
	b.logger.Debug("circuit executed", zap.Int("age", in.Age), zap.Bool("result", over))

	return ProofResult{
		Proof:        seal(program, in.Age, over),
		PublicInputs: []string{strconv.Itoa(in.Age), strconv.FormatBool(over)},
	}, nil
}

// Verify reports whether proof commits to publicInputs. Malformed proofs or
// inputs are invalid rather than errors; only engine faults return an error.
func (b *Backend) Verify(ctx context.Context, proof []byte, publicInputs []string) (bool, error) {
	if len(proof) != proofLen || proof[0] != proofVersion || len(publicInputs) < 2 {
		return false, nil
	}
	age, err := strconv.Atoi(publicInputs[0])
	if err != nil {
		return false, nil
	}
	claimed, err := strconv.ParseBool(publicInputs[1])
	if err != nil {
		return false, nil
	}

	program, over, err := b.run(ctx, age)
	if err != nil {
		return false, err
	}
	if over != claimed {
		return false, nil
	}
	return subtle.ConstantTimeCompare(proof, seal(program, age, over)) == 1, nil
}

func (b *Backend) run(ctx context.Context, age int) ([]byte, bool, error) {
	program, err := b.source.Load(ctx)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to load circuit source: %w", err)
	}

	trace, err := b.engine.Run(ctx, program, Entry, []int64{int64(age)}, b.params)
	if err != nil {
		return nil, false, xerrors.Errorf("circuit execution failed: %w", err)
	}
	vals, err := engine.ParseReturn(trace)
	if err != nil {
		return nil, false, xerrors.Errorf("circuit execution failed: %w", err)
	}
	if len(vals) != 1 {
		return nil, false, xerrors.Errorf("circuit returned %d values, want 1", len(vals))
	}
	return program, vals[0] != 0, nil
}

func seal(program []byte, age int, over bool) []byte {
	digest := blake3.Sum256(program)
	var result byte
	if over {
		result = 1
	}

	h := blake3.New(32, nil)
	h.Write(digest[:])
	h.Write([]byte(Entry))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(int64(age)))
	h.Write(buf[:])
	h.Write([]byte{result})

	proof := make([]byte, 0, proofLen)
	proof = append(proof, proofVersion, result)
	return h.Sum(proof)
}
