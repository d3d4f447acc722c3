package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello", Normalize("  hello \n"))

	// Decomposed "é" (e + combining accent) composes to the single rune.
	decomposed := "café"
	assert.Equal(t, "café", Normalize(decomposed))

	assert.Equal(t, "", Normalize("   "))
}

func TestNotRelevantMarkerDetection(t *testing.T) {
	verdict := Normalize("  NOT_RELEVANT: the excerpt covers a different topic\n")
	assert.True(t, strings.Contains(verdict, NotRelevantMarker))

	// A hedging preamble before the marker still rejects the chunk.
	hedged := Normalize("Based on the excerpt, NOT_RELEVANT: it describes a different board.")
	assert.True(t, strings.Contains(hedged, NotRelevantMarker))

	answer := Normalize("The deadline is 20240115 per the notice.")
	assert.False(t, strings.Contains(answer, NotRelevantMarker))
}

func TestJudgePromptsCarryQuestionAndChunk(t *testing.T) {
	system, user := JudgePrompts("when is the deadline?", "the deadline is friday")

	assert.Contains(t, system, NotRelevantMarker)
	assert.Contains(t, user, "the deadline is friday")
	assert.Contains(t, user, "when is the deadline?")
}
