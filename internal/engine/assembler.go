package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/firebase/genkit/go/ai"
)

// The context assembler renders the model-facing prompt for one turn in a
// fixed order: system prompt, retrieved passages, history window, question.
// Passages are tagged with their source file and page so the model can cite
// them. Everything here is a pure function of its inputs.

// noContextNotice is rendered when retrieval ran but produced nothing, so
// the model knows context was searched rather than omitted.
const noContextNotice = "no relevant documents were found for this question"

// buildSystemPrompt appends the passage block to the agent's system prompt.
// retrieved is true when retrieval actually ran this turn (the agent has
// knowledge bases attached); only then is a context block rendered.
func buildSystemPrompt(agent *AgentConfig, passages []Passage, retrieved bool) string {
	if !retrieved {
		return agent.SystemPrompt
	}
	return agent.SystemPrompt + "\n\n" + buildPassageBlock(passages)
}

// buildPassageBlock renders passages grouped by source file, pages ordered
// by their sequence inside each file, in an XML-ish envelope:
//
//	<context>
//	<file name="report.pdf" file_id="f1">
//	<page number="3">
//	<content>...</content>
//	</page>
//	</file>
//	</context>
func buildPassageBlock(passages []Passage) string {
	if len(passages) == 0 {
		return "<context>" + noContextNotice + "</context>"
	}

	// Group by file, keeping first-seen file order stable.
	order := make([]string, 0, len(passages))
	byFile := make(map[string][]Passage)
	for _, p := range passages {
		if _, ok := byFile[p.FileID]; !ok {
			order = append(order, p.FileID)
		}
		byFile[p.FileID] = append(byFile[p.FileID], p)
	}

	var b strings.Builder
	b.WriteString("<context>\n")
	for _, fileID := range order {
		group := byFile[fileID]
		sort.SliceStable(group, func(i, j int) bool { return group[i].SeqNum < group[j].SeqNum })
		fmt.Fprintf(&b, "<file name=%q file_id=%q>\n", group[0].FileName, fileID)
		for _, p := range group {
			fmt.Fprintf(&b, "<page number=\"%d\">\n<content>%s</content>\n</page>\n", p.PageNumber, p.Content)
		}
		b.WriteString("</file>\n")
	}
	b.WriteString("</context>")
	return b.String()
}

// buildMessages converts the history window into model messages, oldest
// first, and appends the current question as the final user message.
func buildMessages(history []Message, question string) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		default:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		}
	}
	return append(msgs, ai.NewUserMessage(ai.NewTextPart(question)))
}
