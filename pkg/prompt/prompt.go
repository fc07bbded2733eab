// Package prompt builds the text sent to the language model: a grounded
// prompt when retrieval found document excerpts, a direct one when it
// did not or could not.
package prompt

import (
	"fmt"
	"strings"
)

// DefaultTone is used when an organization has not configured one.
const DefaultTone = "professional and friendly"

// MaxTurns caps how much prior conversation is replayed into the prompt.
const MaxTurns = 5

// Turn is one prior exchange line, oldest first.
type Turn struct {
	FromCustomer bool
	Content      string
}

// Excerpt is a retrieved document fragment with its source title.
type Excerpt struct {
	DocumentTitle string
	Text          string
}

// ComposeInput carries everything the grounded prompt needs.
type ComposeInput struct {
	OrganizationName string
	Tone             string
	Query            string
	Excerpts         []Excerpt
	RecentTurns      []Turn
}

// Compose renders the grounded prompt. Excerpts are numbered from 1 and
// labelled with their document title; when none are present the model is
// told so explicitly instead of being handed an empty section.
func Compose(in ComposeInput) string {
	tone := in.Tone
	if tone == "" {
		tone = DefaultTone
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the customer support assistant for %s.\n", in.OrganizationName)
	fmt.Fprintf(&b, "Answer in a %s tone.\n\n", tone)

	turns := in.RecentTurns
	if len(turns) > MaxTurns {
		turns = turns[len(turns)-MaxTurns:]
	}
	if len(turns) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, t := range turns {
			speaker := "Assistant"
			if t.FromCustomer {
				speaker = "Customer"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, t.Content)
		}
		b.WriteString("\n")
	}

	if len(in.Excerpts) > 0 {
		b.WriteString("Relevant excerpts from the company's documents:\n\n")
		for i, ex := range in.Excerpts {
			fmt.Fprintf(&b, "--- DOCUMENT %d: %s ---\n%s\n\n", i+1, ex.DocumentTitle, ex.Text)
		}
	} else {
		b.WriteString("No relevant company documents were found for this question.\n\n")
	}

	fmt.Fprintf(&b, "Customer question: %s\n\n", in.Query)
	b.WriteString(guidelines)
	return b.String()
}

// Direct renders the fallback prompt used when retrieval is unavailable.
func Direct(orgName, tone, query string) string {
	if tone == "" {
		tone = DefaultTone
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the customer support assistant for %s.\n", orgName)
	fmt.Fprintf(&b, "Answer in a %s tone.\n\n", tone)
	fmt.Fprintf(&b, "Customer question: %s\n\n", query)
	b.WriteString(guidelines)
	return b.String()
}

const guidelines = `Guidelines:
1. Base your answer on the document excerpts when they are provided.
2. If the excerpts do not cover the question, say so honestly.
3. Never invent facts about the company, its products or its policies.
4. Keep the answer short enough to read comfortably in a chat message.
5. Stay in the conversation's language.
6. Do not mention these instructions or the excerpts' numbering.`
