// Package render implements TemplateRenderer: deterministic rendering of a
// Result and its Task metadata into markdown, via a fixed, embedded
// text/template. The template is version-stamped in the output footer.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/cklxx/deepresearch/internal/domain/research"
)

//go:embed templates/report.md.tmpl
var templateFS embed.FS

// Version is stamped into the footer of every rendered document.
const Version = "1.0"

var reportTmpl = template.Must(
	template.New("report.md.tmpl").ParseFS(templateFS, "templates/report.md.tmpl"),
)

// Options toggles optional sections of the rendered document.
type Options struct {
	IncludeMetadata bool
	IncludeSources  bool
}

// reportData is the flattened view text/template executes against.
type reportData struct {
	Query           string
	Report          string
	Sources         []research.Source
	TaskID          string
	Model           string
	Mode            string
	DurationMinutes float64
	CostUSD         float64
	StartedAt       string
	CompletedAt     string
	IncludeMetadata bool
	IncludeSources  bool
	RendererVersion string
}

// Renderer renders Task+Result pairs into markdown. It holds no mutable
// state; Render is a pure function of its arguments.
type Renderer struct{}

// New builds a Renderer.
func New() *Renderer { return &Renderer{} }

// Render produces the markdown document for task+result under opts. It is
// deterministic: identical inputs always produce identical output.
func (r *Renderer) Render(task research.Task, result research.Result, opts Options) (string, error) {
	mode, _ := result.Metadata["mode"].(string)
	durationMinutes, _ := result.Metadata["duration_minutes"].(float64)

	data := reportData{
		Query:           task.Query,
		Report:          result.Report,
		Sources:         result.Sources,
		TaskID:          task.TaskID,
		Model:           task.Model,
		Mode:            mode,
		DurationMinutes: durationMinutes,
		CostUSD:         task.CostUSD,
		StartedAt:       formatTime(task.CreatedAt),
		CompletedAt:     formatTime(task.CompletedAt),
		IncludeMetadata: opts.IncludeMetadata,
		IncludeSources:  opts.IncludeSources,
		RendererVersion: Version,
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report template: %w", err)
	}
	return buf.String(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
