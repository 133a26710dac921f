package render

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
	"github.com/codefionn/reflexion/internal/store"
)

const maxObservationWidth = 240

// Renderer writes human readable output.
type Renderer struct {
	out    io.Writer
	width  int
	styles Styles
	// markdown renders answers on terminals, nil in plain mode
	markdown *glamour.TermRenderer
}

// New creates a renderer for w. Colors and the terminal width are used only
// when w is a terminal.
func New(w io.Writer) *Renderer {
	if f, ok := w.(*os.File); ok {
		if width, tty := terminalWidth(f); tty {
			md, _ := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(width),
				glamour.WithPreservedNewLines(),
			)
			return &Renderer{out: w, width: width, styles: DefaultStyles(), markdown: md}
		}
	}
	return NewPlain(w, defaultWidth)
}

// NewPlain creates an uncolored renderer wrapping at width.
func NewPlain(w io.Writer, width int) *Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	return &Renderer{out: w, width: width, styles: PlainStyles()}
}

// Width returns the wrap width.
func (r *Renderer) Width() int {
	return r.width
}

func (r *Renderer) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// block wraps text to the width minus the indent and indents every line.
func (r *Renderer) block(text string, pad uint) string {
	width := r.width - int(pad)
	if width < 20 {
		width = 20
	}
	return indent.String(wordwrap.String(strings.TrimSpace(text), width), pad)
}

func (r *Renderer) clip(text string) string {
	limit := r.width - 16
	if limit > maxObservationWidth {
		limit = maxObservationWidth
	}
	if limit < 20 {
		limit = 20
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncate.StringWithTail(text, uint(limit), "...")
}

// Step prints one step record, used for live progress.
func (r *Renderer) Step(rec step.Record) {
	status := r.styles.stepStatus(rec.Status).Render(fmt.Sprintf("[%s]", rec.Status))
	r.printf("%s %s %s\n", r.styles.Label.Render(fmt.Sprintf("Step %d", rec.Number)), status, rec.Action)
	if text := rec.Observation.Text(); text != "" && !rec.Action.IsFinalize() {
		r.printf("%s\n", r.styles.Muted.Render(indent.String(r.clip(text), 2)))
	}
	if rec.HasReflection() {
		label := "reflection"
		if rec.ReflectionSource == step.SourceCache {
			label = "reflection (cached)"
		}
		r.printf("  %s\n%s\n", r.styles.Label.Render(label+":"), r.block(rec.Reflection, 4))
	}
}

// Summary prints the outcome of a run.
func (r *Renderer) Summary(s *orchestrator.Summary) {
	r.printf("%s %s\n", r.styles.Title.Render("Run"), r.styles.Muted.Render(s.RunID))
	r.printf("%s\n", r.block(s.Task, 2))
	r.printf("\n")
	for _, rec := range s.Steps {
		r.Step(rec)
	}
	if len(s.Steps) > 0 {
		r.printf("\n")
	}

	status := r.styles.runStatus(s.Status).Render(string(s.Status))
	r.printf("%s %s (%s)\n", r.styles.Label.Render("Status:"), status, s.Reason)
	r.printf("%s %d total, %d ok, %d failed, %d skipped\n", r.styles.Label.Render("Steps:"),
		s.TotalSteps, s.SuccessfulSteps, s.FailedSteps, s.SkippedSteps)
	r.printf("%s %d cache hits, %d reflector calls\n", r.styles.Label.Render("Reflections:"), s.CacheHits, s.ReflectorCalls)
	if len(s.ToolUsage) > 0 {
		r.printf("%s %s\n", r.styles.Label.Render("Tools:"), usage(s.ToolUsage))
	}
	r.printf("%s %s\n", r.styles.Label.Render("Duration:"), (time.Duration(s.DurationMs) * time.Millisecond).String())
	r.answer(s.FinalAnswer)
}

func (r *Renderer) answer(answer *string) {
	if answer == nil {
		r.printf("%s %s\n", r.styles.Label.Render("Answer:"), r.styles.Muted.Render("(none)"))
		return
	}
	if r.markdown != nil {
		if out, err := r.markdown.Render(*answer); err == nil {
			r.printf("%s\n%s\n", r.styles.Label.Render("Answer:"), strings.TrimRight(out, "\n"))
			return
		}
	}
	r.printf("%s\n%s\n", r.styles.Label.Render("Answer:"), r.styles.Answer.Render(r.block(*answer, 0)))
}

func usage(m map[string]int) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, m[name]))
	}
	return strings.Join(parts, ", ")
}

// Round prints one collaboration round.
func (r *Renderer) Round(round collab.Round) {
	marker := r.styles.Failed.Render(fmt.Sprintf("%.2f", round.Score))
	if round.MetThreshold {
		marker = r.styles.Succeeded.Render(fmt.Sprintf("%.2f", round.Score))
	}
	r.printf("%s score %s\n", r.styles.Label.Render(fmt.Sprintf("Round %d", round.Number)), marker)
	if round.Plan != "" {
		r.printf("  %s\n%s\n", r.styles.Label.Render("plan:"), r.block(round.Plan, 4))
	}
	if round.Error != "" {
		r.printf("  %s %s\n", r.styles.Failed.Render("error:"), round.Error)
	}
	if round.Critique != "" {
		r.printf("  %s\n%s\n", r.styles.Label.Render("critique:"), r.block(round.Critique, 4))
	}
}

// Collaboration prints a collaboration result.
func (r *Renderer) Collaboration(res *collab.Result) {
	r.printf("%s %s\n", r.styles.Title.Render("Collaboration"), r.styles.Muted.Render(res.RunID))
	r.printf("%s\n\n", r.block(res.Task, 2))
	for _, round := range res.Rounds {
		r.Round(round)
	}
	if len(res.Rounds) > 0 {
		r.printf("\n")
	}
	status := r.styles.runStatus(res.Status).Render(string(res.Status))
	r.printf("%s %s (%s)\n", r.styles.Label.Render("Status:"), status, res.Reason)
	r.printf("%s round %d with %.2f (threshold %.2f)\n", r.styles.Label.Render("Best:"), res.BestRound, res.BestScore, res.QualityThreshold)
	r.answer(res.FinalAnswer)
}

// CacheStats prints reflection cache statistics.
func (r *Renderer) CacheStats(stats reflection.Stats) {
	lookups := stats.TotalHits + stats.Misses
	rate := 0.0
	if lookups > 0 {
		rate = float64(stats.TotalHits) / float64(lookups)
	}
	r.printf("%s\n", r.styles.Title.Render("Reflection cache"))
	r.printf("%s %d\n", r.styles.Label.Render("Entries:"), stats.EntryCount)
	r.printf("%s %d\n", r.styles.Label.Render("Hits:"), stats.TotalHits)
	r.printf("%s %d\n", r.styles.Label.Render("Misses:"), stats.Misses)
	r.printf("%s %.1f%%\n", r.styles.Label.Render("Hit rate:"), rate*100)
}

// Entries prints cache entries.
func (r *Renderer) Entries(entries []reflection.Entry) {
	if len(entries) == 0 {
		r.printf("%s\n", r.styles.Muted.Render("No cached reflections."))
		return
	}
	for _, e := range entries {
		r.printf("%s %s %s\n", r.styles.Label.Render(e.ID), r.styles.Running.Render(string(e.Kind)),
			r.styles.Muted.Render(fmt.Sprintf("hits=%d uses=%d success=%.2f", e.Hits, e.Uses, e.SuccessRate)))
		r.printf("  %s\n", r.clip(e.Pattern))
		r.printf("%s\n", r.block(e.Reflection, 4))
		for _, rem := range e.Remedies {
			r.printf("%s\n", r.block("- "+rem, 4))
		}
	}
}

// Runs prints stored runs, newest first.
func (r *Renderer) Runs(runs []store.RunInfo) {
	if len(runs) == 0 {
		r.printf("%s\n", r.styles.Muted.Render("No stored runs."))
		return
	}
	for _, info := range runs {
		status := r.styles.runStatus(info.Status).Render(fmt.Sprintf("%-9s", info.Status))
		r.printf("%s %s %3d steps  %s  %s\n", info.StartedAt.Format("2006-01-02 15:04"), status,
			info.TotalSteps, r.styles.Muted.Render(info.ID), r.clip(info.Task))
	}
}
