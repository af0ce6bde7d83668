package resolver

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

func TestSelectSource_FitsUntouched(t *testing.T) {
	doc := Document{Segments: []collaborator.Segment{{Page: 1, Text: "short"}}}
	src, err := SelectSource(doc, "anything", WindowOptions{Policy: PolicyWindow, MaxChars: 100})
	require.NoError(t, err)
	assert.False(t, src.Truncated)
	assert.Equal(t, "[Page 1]\nshort", src.Text)
}

func TestSelectSource_FailPolicy(t *testing.T) {
	doc := Document{Segments: []collaborator.Segment{{Page: 1, Text: strings.Repeat("a", 50)}}}
	_, err := SelectSource(doc, "", WindowOptions{Policy: PolicyFail, MaxChars: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceTooLarge))
}

func TestSelectSource_HeadPolicy(t *testing.T) {
	doc := Document{Segments: []collaborator.Segment{{Page: 1, Text: strings.Repeat("é", 50)}}}
	src, err := SelectSource(doc, "", WindowOptions{Policy: PolicyHead, MaxChars: 20})
	require.NoError(t, err)
	assert.True(t, src.Truncated)
	assert.LessOrEqual(t, len(src.Text), 20)
	assert.True(t, strings.HasPrefix(src.Text, "[Page 1]"))
}

func TestSelectSource_WindowKeepsRelevantInOrder(t *testing.T) {
	noise := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	doc := Document{Segments: []collaborator.Segment{
		{Page: 1, Text: "methotrexate trial failed after twelve weeks"},
		{Page: 2, Text: noise},
		{Page: 3, Text: "methotrexate intolerance documented by rheumatology"},
		{Page: 4, Text: noise},
	}}
	src, err := SelectSource(doc, "Which methotrexate trial was documented?", WindowOptions{
		Policy: PolicyWindow, MaxChars: 200, WindowChars: 100, WindowOverlap: 0,
	})
	require.NoError(t, err)
	assert.True(t, src.Truncated)
	var pages []int
	for i, w := range src.Windows {
		pages = append(pages, w.Page)
		if i > 0 {
			assert.Less(t, src.Windows[i-1].Seq, w.Seq)
		}
	}
	assert.Contains(t, pages, 1)
	assert.Contains(t, pages, 3)
	assert.Less(t, strings.Index(src.Text, "trial failed"), strings.Index(src.Text, "intolerance"))
	assert.LessOrEqual(t, len(src.Text), 200)
	assert.Contains(t, src.Text, separator)
}

func TestSelectSource_WindowAsLargeAsBudgetStillSendsText(t *testing.T) {
	text := strings.Repeat("méthotrexate dose ", 40)
	doc := Document{Segments: []collaborator.Segment{{Page: 3, Text: text}}}

	src, err := SelectSource(doc, "methotrexate dose", WindowOptions{
		Policy:      PolicyWindow,
		MaxChars:    200,
		WindowChars: 200,
	})
	require.NoError(t, err)
	assert.True(t, src.Truncated)
	require.Len(t, src.Windows, 1)
	assert.True(t, strings.HasPrefix(src.Text, "[Page 3]\n"))
	assert.Contains(t, src.Text, "dose")
	assert.LessOrEqual(t, len(src.Text), 200)
}

func TestQueryTerms_DropsStopwordsAndShortTokens(t *testing.T) {
	terms := queryTerms("What is the patient's date of birth?")
	assert.True(t, terms["date"])
	assert.True(t, terms["birth"])
	assert.False(t, terms["the"])
	assert.False(t, terms["is"])
	assert.False(t, terms["patient"])
}

func TestScore_PrefersDistinctTerms(t *testing.T) {
	terms := queryTerms("methotrexate trial")
	assert.Greater(t, score("methotrexate trial", terms), score("methotrexate methotrexate methotrexate", terms))
	assert.Zero(t, score("nothing relevant", terms))
}
