package ingestion

import (
	"strings"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docsage/backend/pkg/logger"
)

// Chunker splits document text into retrieval-sized pieces along sentence
// boundaries, falling back to fixed word windows when sentence segmentation
// yields nothing useful.
type Chunker struct {
	maxChars int
	overlap  int
}

func NewChunker(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 1000
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = 100
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// Split returns the chunks for text, in document order. Whitespace-only input
// yields no chunks.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := c.sentences(text)
	if len(sentences) == 0 {
		return c.wordWindows(text)
	}

	var chunks []string
	var current strings.Builder
	for _, sentence := range sentences {
		if len(sentence) > c.maxChars {
			if current.Len() > 0 {
				chunks = append(chunks, strings.TrimSpace(current.String()))
				current.Reset()
			}
			chunks = append(chunks, c.wordWindows(sentence)...)
			continue
		}

		if current.Len() > 0 && current.Len()+len(sentence)+1 > c.maxChars {
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

func (c *Chunker) sentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Sentence segmentation failed, using word windows", zap.Error(err))
		return nil
	}

	var sentences []string
	for _, s := range doc.Sentences() {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}

// wordWindows packs words into fixed-size windows with overlap, the fallback
// for text that defeats sentence segmentation.
func (c *Chunker) wordWindows(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var window []string
	length := 0
	for i := 0; i < len(words); i++ {
		word := words[i]
		if length > 0 && length+len(word)+1 > c.maxChars {
			chunks = append(chunks, strings.Join(window, " "))

			// Walk back far enough to carry the overlap into the next window.
			overlapLen := 0
			j := len(window)
			for j > 0 && overlapLen < c.overlap {
				j--
				overlapLen += len(window[j]) + 1
			}
			window = append([]string{}, window[j:]...)
			length = overlapLen
		}
		window = append(window, word)
		length += len(word) + 1
	}
	if len(window) > 0 {
		chunks = append(chunks, strings.Join(window, " "))
	}

	return chunks
}
