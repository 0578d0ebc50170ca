package catalog

import (
	"errors"
	"fmt"

	"github.com/Aman-CERP/tamizdat/internal/store"
)

// ErrUnresolved reports a card whose author or book was never derived.
var ErrUnresolved = errors.New("card does not resolve to an author and a book")

// AuthorKey is the deduplication key of an author. Absent parts are "", so
// every card without any name part maps to the same unknown author.
type AuthorKey struct {
	Last   string
	First  string
	Middle string
}

// KeyOf returns the author key of a card.
func KeyOf(c store.Card) AuthorKey {
	return AuthorKey{
		Last:   deref(c.LastName),
		First:  deref(c.FirstName),
		Middle: deref(c.MiddleName),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Aggregator derives authors, books and book-author links from cards.
// Authors get ids 1..K in order of first appearance. The first card of a
// book id supplies the book's fields.
type Aggregator struct {
	authorIDs map[AuthorKey]int64
	authors   []store.Author

	bookIndex map[int64]int
	books     []store.Book

	linkSet map[store.BookAuthor]struct{}
	links   []store.BookAuthor

	cards int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		authorIDs: make(map[AuthorKey]int64),
		bookIndex: make(map[int64]int),
		linkSet:   make(map[store.BookAuthor]struct{}),
	}
}

// Add registers the card's author and book, then links them.
func (a *Aggregator) Add(c store.Card) error {
	a.cards++

	key := KeyOf(c)
	if _, ok := a.authorIDs[key]; !ok {
		id := int64(len(a.authors) + 1)
		a.authorIDs[key] = id
		a.authors = append(a.authors, store.Author{
			AuthorID:   id,
			LastName:   key.Last,
			FirstName:  key.First,
			MiddleName: key.Middle,
		})
	}

	if _, ok := a.bookIndex[c.BookID]; !ok {
		a.bookIndex[c.BookID] = len(a.books)
		a.books = append(a.books, store.Book{
			BookID:   c.BookID,
			Title:    c.Title,
			Subtitle: c.Subtitle,
			Language: c.Language,
			Year:     c.Year,
			Series:   c.Series,
		})
	}

	link, err := a.Resolve(c)
	if err != nil {
		return err
	}
	if _, dup := a.linkSet[link]; !dup {
		a.linkSet[link] = struct{}{}
		a.links = append(a.links, link)
	}
	return nil
}

// Resolve maps a card to its book-author pair.
func (a *Aggregator) Resolve(c store.Card) (store.BookAuthor, error) {
	authorID, ok := a.authorIDs[KeyOf(c)]
	if !ok {
		return store.BookAuthor{}, fmt.Errorf("%w: card %d author %v", ErrUnresolved, c.CardID, KeyOf(c))
	}
	if _, ok := a.bookIndex[c.BookID]; !ok {
		return store.BookAuthor{}, fmt.Errorf("%w: card %d book %d", ErrUnresolved, c.CardID, c.BookID)
	}
	return store.BookAuthor{BookID: c.BookID, AuthorID: authorID}, nil
}

// Authors returns the distinct authors in order of first appearance.
func (a *Aggregator) Authors() []store.Author { return a.authors }

// Books returns the distinct books in order of first appearance.
func (a *Aggregator) Books() []store.Book { return a.books }

// Links returns the distinct book-author pairs in order of first appearance.
func (a *Aggregator) Links() []store.BookAuthor { return a.links }

// Cards returns how many cards were added.
func (a *Aggregator) Cards() int { return a.cards }
