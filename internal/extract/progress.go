package extract

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress displays per-split progress.
type Progress interface {
	Start(name string, total int) Bar
	Wait()
}

// Bar tracks one split.
type Bar interface {
	Increment()
	Done()
	Abort()
}

// NopProgress discards progress updates.
type NopProgress struct{}

// Start implements Progress.
func (NopProgress) Start(string, int) Bar { return nopBar{} }

// Wait implements Progress.
func (NopProgress) Wait() {}

type nopBar struct{}

func (nopBar) Increment() {}
func (nopBar) Done()      {}
func (nopBar) Abort()     {}

// BarProgress renders one mpb bar per split.
type BarProgress struct {
	p *mpb.Progress
}

// NewBarProgress creates a BarProgress writing to w.
func NewBarProgress(w io.Writer) *BarProgress {
	return &BarProgress{p: mpb.New(mpb.WithOutput(w), mpb.WithWidth(64))}
}

// Start implements Progress.
func (b *BarProgress) Start(name string, total int) Bar {
	bar := b.p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name+": "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.AverageETA(decor.ET_STYLE_GO),
		),
	)
	return &mpbBar{bar: bar}
}

// Wait blocks until every bar has been rendered for the last time.
func (b *BarProgress) Wait() { b.p.Wait() }

type mpbBar struct {
	bar *mpb.Bar
}

func (m *mpbBar) Increment() { m.bar.Increment() }

// Done completes the bar even when the total was not reached.
func (m *mpbBar) Done() { m.bar.SetTotal(-1, true) }

func (m *mpbBar) Abort() { m.bar.Abort(false) }
