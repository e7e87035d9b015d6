package lengthfilter

import (
	"fmt"
	"os"

	"github.com/eliben/go-sentencepiece"
)

// SentencePiece counts tokens with a BPE or unigram SentencePiece model.
type SentencePiece struct {
	proc *sentencepiece.Processor
}

// LoadSentencePiece loads the model at path.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenizerUnavailable, err)
	}
	proc, err := sentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrTokenizerUnavailable, path, err)
	}
	return &SentencePiece{proc: proc}, nil
}

// CountTokens implements TokenCounter.
func (s *SentencePiece) CountTokens(text string) int {
	return len(s.proc.Encode(text))
}

var _ TokenCounter = (*SentencePiece)(nil)
