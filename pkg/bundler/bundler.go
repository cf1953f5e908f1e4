package bundler

import (
	"fmt"
	"os"
)

// Bundler turns an entry file into the single blob of worker code that gets
// uploaded to nodes. Implementations that transpile or tree-shake plug in
// here; the dispatch path only ever sees the finished bytes. An
// implementation that stages intermediate files cleans them up before
// returning.
type Bundler interface {
	Bundle(entry string) ([]byte, error)
}

// Passthrough ships the entry file verbatim. It is the right choice when
// the code is already a self-contained script.
type Passthrough struct{}

func (Passthrough) Bundle(entry string) ([]byte, error) {
	data, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry file: %w", err)
	}
	return data, nil
}

// Func adapts a plain function to the Bundler interface
type Func func(entry string) ([]byte, error)

func (f Func) Bundle(entry string) ([]byte, error) {
	return f(entry)
}
