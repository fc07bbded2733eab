package processor

import (
	"strings"
)

type ProcessorConfig struct {
	// ChunkSize is the maximum chunk length in bytes. Only a single word
	// longer than ChunkSize may exceed it.
	ChunkSize int
}

// Processor splits extracted document text into bounded, semantically
// coherent chunks. This is the only place chunk size policy lives;
// callers never re-split.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}

	return Processor{
		config: config,
	}
}

// Chunk splits text into ordered, non-empty chunks of at most ChunkSize
// bytes. Paragraphs are packed together while they fit; an oversized
// paragraph is split into sentences, an oversized sentence into words.
// A single word longer than ChunkSize is emitted unmodified.
func (p *Processor) Chunk(text string) []string {
	var chunks []string
	max := p.config.ChunkSize

	current := strings.Builder{}

	for _, paragraph := range splitParagraphs(text) {
		if len(paragraph) > max {
			// Flush what we have, then break the paragraph down.
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, p.chunkSentences(paragraph)...)
			continue
		}

		needed := len(paragraph)
		if current.Len() > 0 {
			needed += 2 // paragraph separator
		}
		if current.Len()+needed > max {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(paragraph)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

func (p *Processor) chunkSentences(paragraph string) []string {
	var chunks []string
	max := p.config.ChunkSize

	current := strings.Builder{}

	for _, sentence := range splitSentences(paragraph) {
		if len(sentence) > max {
			if current.Len() > 0 {
				chunks = append(chunks, strings.TrimSpace(current.String()))
				current.Reset()
			}
			chunks = append(chunks, p.chunkWords(sentence)...)
			continue
		}

		if current.Len() > 0 && current.Len()+len(sentence)+1 > max {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}

	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	return chunks
}

func (p *Processor) chunkWords(sentence string) []string {
	var chunks []string
	max := p.config.ChunkSize

	current := strings.Builder{}

	for _, word := range strings.Fields(sentence) {
		needed := len(word)
		if current.Len() > 0 {
			needed++ // joining space
		}
		if current.Len() > 0 && current.Len()+needed > max {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

func splitParagraphs(text string) []string {
	var paragraphs []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paragraphs = append(paragraphs, block)
		}
	}
	return paragraphs
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace. Punctuation stays attached to its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && isSpace(text[i+1]) {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			start = j
			i = j - 1
		}
	}

	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
