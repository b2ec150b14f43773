package session

import (
	"fmt"
	"strings"

	"github.com/54b3r/ppta-go/internal/rag"
)

// basePrompt establishes the assistant persona shared by every mode.
const basePrompt = `You are PPTA, a senior reliability engineer supporting operators of
power plant gas and diesel engines. You answer with concrete, ordered actions
and always put personnel safety first: call out lockout/tagout, PPE and
isolation requirements before any hands-on step.

When manual excerpts are provided, ground your answer in them and cite the
source number in square brackets, e.g. [2]. If the excerpts do not cover the
question, say so and answer from general engineering practice, marking that
part as general guidance. Never invent setpoints, part numbers or limits.`

// modeInstructions adds mode-specific guidance to basePrompt.
var modeInstructions = map[Mode]string{
	ModeGeneral: "Answer the operator's question directly and concisely.",
	ModeTroubleshooting: "Work the fault like a field engineer: list the most likely causes ranked by " +
		"probability, then the checks that discriminate between them, then the corrective action.",
	ModeTraining: "The operator is learning. Explain the underlying principle first, then the " +
		"procedure, and finish with one question that checks understanding.",
	ModeRCA: "Perform a root cause analysis: separate symptoms from causes, ask 'why' until you " +
		"reach a controllable cause, and propose corrective and preventive actions.",
	ModeFMEA: "Analyse failure modes and effects: for each plausible failure mode give the effect, " +
		"a severity, occurrence and detection rating from 1 to 10, and the resulting RPN.",
	ModeFishbone: "Organise candidate causes into a fishbone diagram with the categories Man, " +
		"Machine, Method, Material, Measurement and Environment.",
	ModeHistorical: "Compare the situation with past incidents described in the excerpts and point " +
		"out which earlier resolutions apply.",
}

// systemInstructions returns the full system text for mode.
func systemInstructions(mode Mode) string {
	extra, ok := modeInstructions[mode]
	if !ok {
		extra = modeInstructions[ModeGeneral]
	}
	return basePrompt + "\n\n" + extra
}

// retrievalQuery joins the message with the non-empty diagnostic fields.
func retrievalQuery(message string, diag *DiagnosticContext) string {
	parts := append([]string{message}, diag.fields()...)
	return strings.Join(parts, " ")
}

// formatChunks renders retrieved chunks as numbered sources.
func formatChunks(docs []rag.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Relevant Manual Excerpts\n\n")
	for i, doc := range docs {
		source := doc.Source
		if source == "" {
			source = doc.DocumentID
		}
		fmt.Fprintf(&sb, "### [%d] %s\n%s\n\n", i+1, source, strings.TrimSpace(doc.Content))
	}
	return sb.String()
}

// formatDiagnostic renders the equipment context block.
func formatDiagnostic(diag *DiagnosticContext) string {
	if diag.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Equipment Context\n\n")
	if v := strings.TrimSpace(diag.Engine); v != "" {
		fmt.Fprintf(&sb, "Engine: %s\n", v)
	}
	if v := strings.TrimSpace(diag.AlarmType); v != "" {
		fmt.Fprintf(&sb, "Alarm: %s\n", v)
	}
	if v := strings.TrimSpace(diag.Description); v != "" {
		fmt.Fprintf(&sb, "Description: %s\n", v)
	}
	return sb.String()
}

func roleLabel(r Role) string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "Operator"
}

// formatHistory renders prior turns oldest first.
func formatHistory(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Conversation So Far\n\n")
	for _, t := range history {
		fmt.Fprintf(&sb, "%s: %s\n", roleLabel(t.Role), strings.TrimSpace(t.Content))
	}
	return sb.String()
}

// prompt holds the assembled sections in their fixed order.
type prompt struct {
	system     string
	chunks     string
	diagnostic string
	history    string
	message    string
}

func (p prompt) String() string {
	sections := []string{p.system, p.chunks, p.diagnostic, p.history, "## Operator Message\n\n" + p.message}
	var sb strings.Builder
	for _, s := range sections {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s)
	}
	return sb.String()
}
