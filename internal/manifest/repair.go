package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/maauso/speechprep/internal/jsonl"
)

// RepairResult summarizes a RepairTiming run.
type RepairResult struct {
	Cuts       int
	FixedCuts  int
	FixedSups  int
	OutputPath string
}

// RepairTiming streams the manifest at in, truncates supervisions that end
// past their cut by more than tol, and writes the result to out.
//
// Cuts are edited as raw JSON objects: only the duration of a truncated
// supervision changes, every other field is copied as found, and lines
// without a fix are written byte for byte.
func RepairTiming(in, out string, tol float64, logger *slog.Logger) (RepairResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result := RepairResult{OutputPath: out}

	r, err := jsonl.Open(in)
	if err != nil {
		return result, err
	}
	defer func() { _ = r.Close() }()

	w, err := jsonl.Create(out)
	if err != nil {
		return result, err
	}

	if err := repairLines(r, w, tol, &result, logger); err != nil {
		w.Abort()
		return result, err
	}
	if err := w.Close(); err != nil {
		return result, err
	}
	return result, nil
}

func repairLines(r io.Reader, w io.Writer, tol float64, result *RepairResult, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		result.Cuts++

		fixed, id, n, err := repairCutJSON(b, tol)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if n > 0 {
			result.FixedCuts++
			result.FixedSups += n
			logger.Info("fixed cut", slog.String("cut_id", id), slog.Int("supervisions", n))
		}
		if _, err := w.Write(fixed); err != nil {
			return fmt.Errorf("write line %d: %w", line, err)
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return fmt.Errorf("write line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}
	return nil
}

// repairCutJSON truncates the supervisions of one encoded cut. It returns
// the line to write, the cut id and the number of supervisions changed;
// when nothing changed the input slice is returned as is.
func repairCutJSON(b []byte, tol float64) ([]byte, string, int, error) {
	var cut map[string]json.RawMessage
	if err := json.Unmarshal(b, &cut); err != nil {
		return nil, "", 0, err
	}

	var id string
	if raw, ok := cut["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}

	var cutDur float64
	if raw, ok := cut["duration"]; ok {
		if err := json.Unmarshal(raw, &cutDur); err != nil {
			return nil, id, 0, fmt.Errorf("cut %s: duration: %w", id, err)
		}
	}

	raw, ok := cut["supervisions"]
	if !ok {
		return b, id, 0, nil
	}
	var sups []json.RawMessage
	if err := json.Unmarshal(raw, &sups); err != nil {
		return nil, id, 0, fmt.Errorf("cut %s: supervisions: %w", id, err)
	}

	fixed := 0
	for i, rawSup := range sups {
		var sup map[string]json.RawMessage
		if err := json.Unmarshal(rawSup, &sup); err != nil {
			return nil, id, 0, fmt.Errorf("cut %s: supervision %d: %w", id, i, err)
		}
		var start, dur float64
		if v, ok := sup["start"]; ok {
			if err := json.Unmarshal(v, &start); err != nil {
				return nil, id, 0, fmt.Errorf("cut %s: supervision %d start: %w", id, i, err)
			}
		}
		if v, ok := sup["duration"]; ok {
			if err := json.Unmarshal(v, &dur); err != nil {
				return nil, id, 0, fmt.Errorf("cut %s: supervision %d duration: %w", id, i, err)
			}
		}
		if start+dur <= cutDur+tol {
			continue
		}

		newDur, err := json.Marshal(cutDur - start)
		if err != nil {
			return nil, id, 0, err
		}
		sup["duration"] = newDur
		if sups[i], err = marshalRaw(sup); err != nil {
			return nil, id, 0, err
		}
		fixed++
	}
	if fixed == 0 {
		return b, id, 0, nil
	}

	var err error
	if cut["supervisions"], err = marshalRaw(sups); err != nil {
		return nil, id, 0, err
	}
	out, err := marshalRaw(cut)
	if err != nil {
		return nil, id, 0, err
	}
	return out, id, fixed, nil
}

// marshalRaw encodes v without HTML escaping, matching Encode.
func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
