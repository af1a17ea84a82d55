package runner

import (
	"fmt"
	"strings"

	"github.com/specwright/specwright/api/pkg/types"
)

// buildReviewPrompt asks the reviewer for a structured verdict on the
// chunk's work. The reviewer inspects the working directory itself; the
// prompt carries the intent and the executor's report.
func buildReviewPrompt(chunk *types.Chunk) string {
	var b strings.Builder
	b.WriteString("You are reviewing work a coding agent just completed in this repository.\n\n")
	b.WriteString("## Task\n\n")
	b.WriteString(fmt.Sprintf("**%s**\n\n%s\n\n", chunk.Title, chunk.Description))
	if chunk.Output != "" {
		b.WriteString("## Agent's report\n\n")
		b.WriteString(chunk.Output)
		b.WriteString("\n\n")
	}
	b.WriteString("Inspect the changes and decide whether they fulfil the task.\n\n")
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString("{\"status\": \"pass\" | \"needs_fix\" | \"fail\", \"feedback\": \"...\", ")
	b.WriteString("\"fix_chunk\": {\"title\": \"...\", \"description\": \"...\"}}\n\n")
	b.WriteString("Use needs_fix with a fix_chunk when the work is close but needs a concrete follow-up. ")
	b.WriteString("Use fail only when the work must be discarded.\n")
	return b.String()
}
