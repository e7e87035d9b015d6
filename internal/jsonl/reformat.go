package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotArray is returned when the input of ArrayToLines is not a JSON array.
var ErrNotArray = errors.New("jsonl: expected a JSON array")

// maxLineSize bounds a single JSONL record.
const maxLineSize = 64 << 20

// ArrayToLines converts the JSON array stored at in into one compact JSON
// value per line at out. It returns the number of elements written.
func ArrayToLines(in, out string) (int, error) {
	r, err := Open(in)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	w, err := Create(out)
	if err != nil {
		return 0, err
	}

	n, err := arrayToLines(r, w)
	if err != nil {
		w.Abort()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

func arrayToLines(r io.Reader, w io.Writer) (int, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotArray, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("%w: got %v", ErrNotArray, tok)
	}

	var (
		n   int
		buf bytes.Buffer
	)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, fmt.Errorf("decode element %d: %w", n, err)
		}
		buf.Reset()
		if err := json.Compact(&buf, raw); err != nil {
			return n, fmt.Errorf("compact element %d: %w", n, err)
		}
		buf.WriteByte('\n')
		if _, err := w.Write(buf.Bytes()); err != nil {
			return n, fmt.Errorf("write element %d: %w", n, err)
		}
		n++
	}
	if _, err := dec.Token(); err != nil {
		return n, fmt.Errorf("read closing bracket: %w", err)
	}
	return n, nil
}

// LinesToArray converts a JSONL file into a single JSON array, preserving
// record order. Blank lines are ignored.
func LinesToArray(in, out string) (int, error) {
	r, err := Open(in)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	w, err := Create(out)
	if err != nil {
		return 0, err
	}

	n, err := linesToArray(r, w)
	if err != nil {
		w.Abort()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

func linesToArray(r io.Reader, w io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), maxLineSize)

	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	n := 0
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return n, fmt.Errorf("line %d: invalid JSON", line)
		}
		sep := ",\n"
		if n == 0 {
			sep = "\n"
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return n, err
		}
		if _, err := w.Write(b); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan line %d: %w", line+1, err)
	}

	if _, err := io.WriteString(w, "\n]\n"); err != nil {
		return n, err
	}
	return n, nil
}
