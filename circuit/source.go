package circuit

import (
	"context"
	_ "embed"
	"os"

	"golang.org/x/xerrors"
)

//go:embed over_eighteen.wasm
var overEighteen []byte

// SourceLoader supplies the compiled circuit the engine runs.
type SourceLoader interface {
	Load(ctx context.Context) ([]byte, error)
}

// EmbeddedSource serves the circuit compiled into the binary.
type EmbeddedSource struct{}

func (EmbeddedSource) Load(context.Context) ([]byte, error) {
	return overEighteen, nil
}

// FileSource reads the circuit from disk on every load, so a replaced file is
// picked up without restarting the worker.
type FileSource struct {
	Path string
}

func (s FileSource) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, xerrors.Errorf("read circuit %s: %w", s.Path, err)
	}
	return data, nil
}

// NewSource returns a FileSource for path, or the embedded circuit when path is empty.
func NewSource(path string) SourceLoader {
	if path == "" {
		return EmbeddedSource{}
	}
	return FileSource{Path: path}
}
