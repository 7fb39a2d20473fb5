package snippets

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/record"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "french article",
			text: "Vu l'article 1382 du Code civil.",
			want: []string{"Vu l'article 1382 du Code civil."},
		},
		{
			name: "dutch plural and whitespace collapse",
			text: "Gelet op de  artikelen\n\n 6 en 13 EVRM",
			want: []string{"Gelet op de artikelen 6 en 13 EVRM"},
		},
		{
			name: "abbreviation followed by a space",
			text: "Selon l'art. 5 de la loi",
			want: []string{"Selon l'art. 5 de la loi"},
		},
		{
			name: "keyword inside a word does not match",
			text: "Les particles et les articulations",
			want: nil,
		},
		{
			name: "duplicates collapse",
			text: "article article",
			want: []string{"article article"},
		},
		{
			name: "no keywords",
			text: "Rien à signaler.",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.text))
		})
	}
}

func TestExtract_WindowWidensToWordBoundaries(t *testing.T) {
	filler := strings.Repeat("mot ", 100)
	text := filler + "voir artikel 3 " + filler

	got := Extract(text)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "voir artikel 3")
	assert.True(t, strings.HasPrefix(got[0], "mot "))
	assert.True(t, strings.HasSuffix(got[0], " mot"))
	assert.LessOrEqual(t, len(got[0]), 2*Window+len("artikel")+8)
}

func TestExtract_WindowCountsCharacters(t *testing.T) {
	tests := []struct {
		name   string
		filler string
	}{
		{name: "ascii", filler: "e"},
		{name: "accented", filler: "é"},
		{name: "dutch diaeresis", filler: "ë"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.Repeat(tt.filler, 300) + " voir article 3 " + strings.Repeat(tt.filler, 300)

			got := Extract(text)
			require.Len(t, got, 1)
			// " voir " fills 6 of the 250 characters before the keyword.
			want := strings.Repeat(tt.filler, Window-6) + " voir article 3 "
			assert.True(t, strings.HasPrefix(got[0], want))
			assert.False(t, strings.HasPrefix(got[0], tt.filler+want))
			assert.True(t, utf8.ValidString(got[0]))
		})
	}
}

func TestPreprocessor(t *testing.T) {
	pre := Preprocessor("text", "snippets")

	row, err := pre(context.Background(), record.Record{"text": "Vu l'article 3."})
	require.NoError(t, err)
	assert.Equal(t, []any{"Vu l'article 3."}, row["snippets"])

	_, err = pre(context.Background(), record.Record{})
	require.Error(t, err)
}
