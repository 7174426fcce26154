package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortBodyPassesThrough(t *testing.T) {
	chunks := Chunk("hola, tu casa está lista", 4000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hola, tu casa está lista", chunks[0])
}

func TestChunkEmptyBody(t *testing.T) {
	assert.Nil(t, Chunk("", 4000))
	assert.Nil(t, Chunk("   \n\t ", 4000))
}

func TestChunkLongBodyRoundTrips(t *testing.T) {
	// A 9,000-character body must split into ordered chunks of at most
	// 4,000 characters whose concatenation reproduces the original
	// content modulo trimmed whitespace.
	paragraph := strings.Repeat("Las casas del fraccionamiento cuentan con tres recamaras y dos banos completos.\n", 115)
	require.Greater(t, utf8.RuneCountInString(paragraph), 8900)

	chunks := Chunk(paragraph, 4000)
	require.GreaterOrEqual(t, len(chunks), 3)

	for i, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 4000, "chunk %d over limit", i)
	}

	joined := strings.Join(chunks, "\n")
	normalize := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	assert.Equal(t, normalize(paragraph), normalize(joined))
}

func TestChunkPrefersNewline(t *testing.T) {
	body := strings.Repeat("x", 50) + "\n" + strings.Repeat("y", 30)
	chunks := Chunk(body, 60)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 50), chunks[0])
	assert.Equal(t, strings.Repeat("y", 30), chunks[1])
}

func TestChunkFallsBackToSentenceBoundary(t *testing.T) {
	body := "Primera frase completa. " + strings.Repeat("z", 35)
	chunks := Chunk(body, 40)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Primera frase completa.", chunks[0])
	assert.Equal(t, strings.Repeat("z", 35), chunks[1])
}

func TestChunkHardCutWithoutBoundaries(t *testing.T) {
	body := strings.Repeat("a", 100)
	chunks := Chunk(body, 40)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("a", 40), chunks[0])
	assert.Equal(t, strings.Repeat("a", 40), chunks[1])
	assert.Equal(t, strings.Repeat("a", 20), chunks[2])
	assert.Equal(t, body, strings.Join(chunks, ""))
}

func TestChunkMultibyteSafety(t *testing.T) {
	body := strings.Repeat("ñandú ", 30)
	chunks := Chunk(body, 25)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk))
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 25)
	}
}
