package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maauso/speechprep/internal/jsonl"
)

// DefaultExt is the extension of manifest files.
const DefaultExt = "jsonl.gz"

// maxLineSize bounds a single serialized cut.
const maxLineSize = 64 << 20

// FileName returns the conventional manifest file name "<prefix>_<split>.<ext>".
func FileName(prefix string, split Split, ext string) string {
	if ext == "" {
		ext = DefaultExt
	}
	return fmt.Sprintf("%s_%s.%s", prefix, split, ext)
}

// Path joins dir with the conventional manifest file name.
func Path(dir, prefix string, split Split) string {
	return filepath.Join(dir, FileName(prefix, split, DefaultExt))
}

// Exists reports whether a manifest file is present at path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Encode writes cuts to w, one JSON object per line.
func Encode(w io.Writer, cuts CutSet) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range cuts {
		c := cuts[i]
		if c.Type == "" {
			c.Type = CutType
		}
		if err := enc.Encode(&c); err != nil {
			return fmt.Errorf("encode cut %s: %w", c.ID, err)
		}
	}
	return nil
}

// WriteFile atomically writes cuts to path. Existing files are replaced;
// callers decide whether an existing manifest should be skipped instead.
func WriteFile(path string, cuts CutSet) error {
	w, err := jsonl.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(w, cuts); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// Scan decodes cuts from r one line at a time and calls fn for each.
// Iteration stops at the first error returned by fn.
func Scan(r io.Reader, fn func(Cut) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var c Cut
		if err := json.Unmarshal(b, &c); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}
	return nil
}

// Decode reads every cut from r.
func Decode(r io.Reader) (CutSet, error) {
	var cuts CutSet
	err := Scan(r, func(c Cut) error {
		cuts = append(cuts, c)
		return nil
	})
	return cuts, err
}

// ReadFile reads the manifest stored at path.
func ReadFile(path string) (CutSet, error) {
	r, err := jsonl.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	cuts, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return cuts, nil
}
