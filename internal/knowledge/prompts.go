package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PromptBuilder constructs the prompts sent to a Composer.
type PromptBuilder struct{}

// BuildClarificationPrompt asks for one follow-up question that would let the
// user's question be routed. The question is embedded verbatim and the context
// is serialized as JSON in retrieval order.
func (pb *PromptBuilder) BuildClarificationPrompt(question string, passages []Passage) (string, error) {
	if passages == nil {
		passages = []Passage{}
	}
	serialized, err := json.MarshalIndent(passages, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize context: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Role: Assistant routing questions to the right area of a knowledge base.\n")
	sb.WriteString("Task: The question below could not be assigned to a scope. Ask the user exactly one short follow-up question that would identify the scope they mean.\n")
	sb.WriteString("\n### QUESTION ###\n")
	sb.WriteString(question)
	sb.WriteString("\n\n### CONTEXT ###\n")
	sb.Write(serialized)
	sb.WriteString("\n\n**INSTRUCTION**:\n")
	sb.WriteString("- Reply with the follow-up question only.\n")
	sb.WriteString("- Answer in the language of the question.\n")
	return sb.String(), nil
}
