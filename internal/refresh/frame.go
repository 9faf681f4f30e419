package refresh

import (
	"time"

	"github.com/tinytelemetry/stepwatch/internal/model"
)

// Frame is everything a renderer needs for one tick.
type Frame struct {
	Seq      uint64                  `json:"seq"`
	At       time.Time               `json:"at"`
	Took     time.Duration           `json:"took"`
	Scopes   []string                `json:"scopes"`
	Series   map[string]model.Series `json:"series"`
	Counts   model.CountSummary      `json:"counts"`
	Recent   []model.RecentRecord    `json:"recent"`
	Notices  []Notice                `json:"notices,omitempty"`
	Healthy  bool                    `json:"healthy"`
	Source   string                  `json:"source"`
	Interval time.Duration           `json:"interval"`
}

// Notice is a visible, non-blocking problem report for one tick.
type Notice struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Renderer receives one frame per tick. Render must not block the loop for
// long; slow renderers delay the next tick.
type Renderer interface {
	Render(Frame)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Frame)

func (f RendererFunc) Render(fr Frame) { f(fr) }
