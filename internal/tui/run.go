package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/stepwatch/internal/refresh"
)

// ProgramRenderer forwards frames into a running Bubble Tea program.
type ProgramRenderer struct {
	program *tea.Program
}

// NewProgramRenderer wraps p.
func NewProgramRenderer(p *tea.Program) *ProgramRenderer {
	return &ProgramRenderer{program: p}
}

// Render implements refresh.Renderer.
func (r *ProgramRenderer) Render(f refresh.Frame) {
	r.program.Send(FrameMsg(f))
}

// Run shows the dashboard driven by loop until the user quits or ctx is
// cancelled. The loop is started here and stopped when the program exits.
func Run(ctx context.Context, loop *refresh.Loop, opts Options, teaOpts ...tea.ProgramOption) error {
	if opts.Refresh == nil {
		opts.Refresh = loop.TriggerNow
	}
	app := NewApp(opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	teaOpts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, teaOpts...)
	program := tea.NewProgram(app, teaOpts...)
	loop.AddRenderer(NewProgramRenderer(program))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	})
	return g.Wait()
}
