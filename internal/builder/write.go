package builder

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/maauso/speechprep/internal/manifest"
)

// WriteOutcome records what happened to one split's manifest file.
type WriteOutcome struct {
	Split   manifest.Split
	Path    string
	Cuts    int
	Skipped bool
}

// WriteManifests stores each split of result under dir as
// <prefix>_<split>.jsonl.gz. Existing files are kept unless overwrite is set.
func WriteManifests(result Result, dir, prefix string, overwrite bool, logger *slog.Logger) ([]WriteOutcome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	outcomes := make([]WriteOutcome, 0, len(manifest.Splits))
	for _, split := range manifest.Splits {
		cuts := result.Cuts[split]
		path := manifest.Path(dir, prefix, split)
		outcome := WriteOutcome{Split: split, Path: path, Cuts: len(cuts)}

		exists, err := manifest.Exists(path)
		if err != nil {
			return outcomes, fmt.Errorf("stat %s: %w", path, err)
		}
		if exists && !overwrite {
			logger.Info("manifest exists, skipping", slog.String("path", path))
			outcome.Skipped = true
			outcomes = append(outcomes, outcome)
			continue
		}

		if err := manifest.WriteFile(path, cuts); err != nil {
			return outcomes, fmt.Errorf("write %s manifest: %w", split, err)
		}
		logger.Info("manifest written", slog.String("path", path), slog.Int("cuts", len(cuts)))
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
