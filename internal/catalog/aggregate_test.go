package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tamizdat/internal/store"
)

func mustParse(t *testing.T, id int64, line string) store.Card {
	t.Helper()
	c, ok := ParseCard(SplitLine(line))
	require.True(t, ok, line)
	c.CardID = id
	return c
}

func TestAggregator_CoAuthoredBook(t *testing.T) {
	// Given: two cards for the same book with different authors
	agg := NewAggregator()
	require.NoError(t, agg.Add(mustParse(t, 1, "Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857")))
	require.NoError(t, agg.Add(mustParse(t, 2, "Стругацкий;Борис;Натанович;Пикник на обочине;;ru;1972;;93857")))

	// Then: one book, two authors and two links
	require.Len(t, agg.Books(), 1)
	assert.Equal(t, int64(93857), agg.Books()[0].BookID)
	assert.Equal(t, "Пикник на обочине", agg.Books()[0].Title)

	require.Len(t, agg.Authors(), 2)
	assert.Equal(t, int64(1), agg.Authors()[0].AuthorID)
	assert.Equal(t, "Аркадий", agg.Authors()[0].FirstName)
	assert.Equal(t, int64(2), agg.Authors()[1].AuthorID)
	assert.Equal(t, "Борис", agg.Authors()[1].FirstName)

	assert.Equal(t, []store.BookAuthor{
		{BookID: 93857, AuthorID: 1},
		{BookID: 93857, AuthorID: 2},
	}, agg.Links())
	assert.Equal(t, 2, agg.Cards())
}

func TestAggregator_FirstCardSuppliesBookFields(t *testing.T) {
	// Given: two cards for one book that disagree on the year
	agg := NewAggregator()
	require.NoError(t, agg.Add(mustParse(t, 1, "A;B;C;Title;;ru;1972;;5")))
	require.NoError(t, agg.Add(mustParse(t, 2, "D;E;F;Other title;;en;1980;;5")))

	// Then: the book keeps the first card's fields
	require.Len(t, agg.Books(), 1)
	b := agg.Books()[0]
	assert.Equal(t, "Title", b.Title)
	assert.Equal(t, 1972, *b.Year)
	assert.Equal(t, "ru", *b.Language)
}

func TestAggregator_DuplicateCardsLinkOnce(t *testing.T) {
	agg := NewAggregator()
	line := "A;B;C;Title;;ru;1972;;5"
	require.NoError(t, agg.Add(mustParse(t, 1, line)))
	require.NoError(t, agg.Add(mustParse(t, 2, line)))

	assert.Len(t, agg.Links(), 1)
	assert.Equal(t, 2, agg.Cards())
}

func TestAggregator_UnknownAuthorShared(t *testing.T) {
	// Given: two anonymous cards for different books
	agg := NewAggregator()
	require.NoError(t, agg.Add(mustParse(t, 1, ";;;Слово о полку Игореве;;ru;;;200")))
	require.NoError(t, agg.Add(mustParse(t, 2, ";;;Повесть временных лет;;ru;;;201")))

	// Then: both link to one author with all parts empty
	require.Len(t, agg.Authors(), 1)
	assert.Equal(t, store.Author{AuthorID: 1}, agg.Authors()[0])
	assert.Equal(t, []store.BookAuthor{
		{BookID: 200, AuthorID: 1},
		{BookID: 201, AuthorID: 1},
	}, agg.Links())
}

func TestAggregator_AuthorKeyIsExact(t *testing.T) {
	// Given: the same surname with and without a middle name
	agg := NewAggregator()
	require.NoError(t, agg.Add(mustParse(t, 1, "Толстой;Лев;;A;;ru;;;1")))
	require.NoError(t, agg.Add(mustParse(t, 2, "Толстой;Лев;Николаевич;B;;ru;;;2")))

	// Then: they are different authors
	assert.Len(t, agg.Authors(), 2)
}

func TestAggregator_ResolveUnknownCard(t *testing.T) {
	agg := NewAggregator()
	c := mustParse(t, 1, "A;B;C;Title;;ru;1972;;5")

	_, err := agg.Resolve(c)

	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestBuildIndexEntries_OnePerCard(t *testing.T) {
	cards := []store.Card{
		mustParse(t, 1, "Стругацкий;Аркадий;Натанович;Пикник на обочине;;ru;1972;;93857"),
		mustParse(t, 2, "Стругацкий;Борис;Натанович;Пикник на обочине;;ru;1972;Библиотека фантастики;93857"),
	}

	entries := BuildIndexEntries(cards)

	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].CardID)
	assert.Equal(t, int64(93857), entries[0].BookID)
	assert.Equal(t, "Аркадий", entries[0].FirstName)
	assert.Equal(t, "", entries[0].Series)
	assert.Equal(t, "Библиотека фантастики", entries[1].Series)
}
