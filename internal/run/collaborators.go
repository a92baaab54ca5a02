package run

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridian-research/meridian/internal/llm"
	"github.com/meridian-research/meridian/internal/models"
)

// The writing collaborators are external to the engine: rendering,
// export, and presentation live elsewhere. These interfaces define the
// hand-off contract; the working set and query cross it read-only.

// Writer turns the verified working set into report text.
type Writer interface {
	Write(ctx context.Context, q models.Query, ws *models.WorkingSet, facts []models.VerifiedFact) (string, error)
}

// Editor improves an existing report. Premium runs only.
type Editor interface {
	Edit(ctx context.Context, report string) (string, error)
}

// Citer appends source citations to the report.
type Citer interface {
	Cite(ctx context.Context, report string, ws *models.WorkingSet) (string, error)
}

// Publisher delivers the finished report; export formats are its
// concern, not the engine's.
type Publisher interface {
	Publish(ctx context.Context, runID, report string, result *models.RunResult) error
}

// LLMWriter is the default Writer: one generation call over the facts,
// downgrading to a plain fact listing when generation fails.
type LLMWriter struct {
	Generator llm.Generator
}

const writerSystemPrompt = `You are a research report writer. Write a structured report that answers the query using ONLY the verified facts provided. Attribute claims to their sources. Do not invent information.`

func (w *LLMWriter) Write(ctx context.Context, q models.Query, ws *models.WorkingSet, facts []models.VerifiedFact) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nVerified facts:\n", q.Normalized)
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s (confidence %.0f, sources: %s)\n", f.Fact, f.Confidence, strings.Join(f.Sources, ", "))
	}
	prompt := sb.String()
	simplified := fmt.Sprintf("Write a short research summary answering: %s", q.Normalized)

	out, err := llm.GenerateWithRetry(ctx, w.Generator, prompt, simplified, llm.Constraints{
		Agent:        "report_writer",
		Tier:         "large",
		MaxTokens:    4096,
		Temperature:  0.4,
		SystemPrompt: writerSystemPrompt,
	})
	if err == nil {
		return out, nil
	}

	// Generation is down; a fact listing still satisfies the hand-off.
	var fallback strings.Builder
	fmt.Fprintf(&fallback, "# %s\n\n", q.Normalized)
	for _, f := range facts {
		fmt.Fprintf(&fallback, "- %s\n", f.Fact)
	}
	return fallback.String(), nil
}

// LLMEditor is the default premium Editor.
type LLMEditor struct {
	Generator llm.Generator
}

func (e *LLMEditor) Edit(ctx context.Context, report string) (string, error) {
	out, err := llm.GenerateWithRetry(ctx, e.Generator, report, report, llm.Constraints{
		Agent:        "report_editor",
		Tier:         "large",
		MaxTokens:    4096,
		Temperature:  0.3,
		SystemPrompt: "Improve the grammar, flow, and structure of this research report. Keep every factual claim and its attribution unchanged.",
	})
	if err != nil {
		// Editing is cosmetic; the unedited report is still valid.
		return report, nil
	}
	return out, nil
}

// ReferenceCiter is the default Citer: a numbered reference list from
// the working set, no generation call needed.
type ReferenceCiter struct{}

func (ReferenceCiter) Cite(_ context.Context, report string, ws *models.WorkingSet) (string, error) {
	if len(ws.Records) == 0 {
		return report, nil
	}
	var sb strings.Builder
	sb.WriteString(report)
	sb.WriteString("\n\n## References\n")
	for i, rec := range ws.Records {
		title := rec.Title
		if title == "" {
			title = rec.URL
		}
		fmt.Fprintf(&sb, "%d. %s - %s\n", i+1, title, rec.URL)
	}
	return sb.String(), nil
}

// NopPublisher accepts the report without exporting anywhere. The real
// export pipeline replaces it at wiring time.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, *models.RunResult) error { return nil }
