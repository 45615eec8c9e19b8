package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPersistence reports a failed artifact write.
var ErrPersistence = errors.New("persistence failure")

const maxNameAttempts = 5

// Artifact identifies a written file.
type Artifact struct {
	Name string
	Path string
}

// Dir writes append-only artifacts into a single directory. Files are never
// overwritten.
type Dir struct {
	root  string
	clock func() time.Time
	token func() string
}

func NewDir(root string) *Dir {
	return &Dir{
		root:  root,
		clock: time.Now,
		token: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
}

// Root returns the directory artifacts are written to.
func (d *Dir) Root() string {
	return d.root
}

// Write stores data under "<kind>_<timestamp>_<token><ext>". On a name
// collision it retries with a fresh timestamp and token.
func (d *Dir) Write(kind, ext string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: create %s: %w", ErrPersistence, d.root, err)
	}
	var lastErr error
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := fmt.Sprintf("%s_%s_%s%s", kind, d.clock().UTC().Format("20060102T150405.000000000Z"), d.token(), ext)
		path := filepath.Join(d.root, name)
		err := createExclusive(path, data)
		if err == nil {
			return Artifact{Name: name, Path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return Artifact{}, fmt.Errorf("%w: write %s: %w", ErrPersistence, name, err)
		}
		lastErr = err
	}
	return Artifact{}, fmt.Errorf("%w: no free name after %d attempts: %w", ErrPersistence, maxNameAttempts, lastErr)
}

// WriteJSON marshals v with indentation and writes it as a .json artifact.
func (d *Dir) WriteJSON(kind string, v any) (Artifact, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: encode %s: %w", ErrPersistence, kind, err)
	}
	return d.Write(kind, ".json", data)
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
