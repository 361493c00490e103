package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SeriesRef links a book to a series as reported by the series matcher.
type SeriesRef struct {
	SeriesID   string
	Position   int
	Confidence float64
}

// Book is one catalogued copy. It is read-only for the lifetime of a snapshot.
type Book struct {
	ISBN        string
	Title       string
	Author      string // raw author string as catalogued
	Series      *SeriesRef
	Genres      []string
	Value       decimal.Decimal // individual estimated value
	Probability float64         // 0-100
	Owned       bool
}

// SeriesMember is one known position of a series.
type SeriesMember struct {
	Position int
	ISBN     string
}

// SeriesInfo describes a series and its canonical ordering. Total is the
// number of known books; zero or negative means unknown.
type SeriesInfo struct {
	ID      string
	Title   string
	Members []SeriesMember
	Total   int
}

// Catalog is an immutable snapshot of the owned books and the series they
// reference. Every book in a Catalog is owned.
type Catalog struct {
	books  []Book
	byISBN map[string]int
	series map[string]SeriesInfo
}

// NewCatalog builds a snapshot from the given books and series. Books that
// are not owned are dropped; duplicate ISBNs keep the last occurrence. Books
// are ordered by ISBN so every pass over a catalog is deterministic.
func NewCatalog(books []Book, series []SeriesInfo) *Catalog {
	dedup := make(map[string]Book, len(books))
	for _, b := range books {
		if !b.Owned || b.ISBN == "" {
			delete(dedup, b.ISBN)
			continue
		}
		dedup[b.ISBN] = b
	}

	c := &Catalog{
		books:  make([]Book, 0, len(dedup)),
		byISBN: make(map[string]int, len(dedup)),
		series: make(map[string]SeriesInfo, len(series)),
	}
	for _, b := range dedup {
		c.books = append(c.books, b)
	}
	sort.Slice(c.books, func(i, j int) bool { return c.books[i].ISBN < c.books[j].ISBN })
	for i, b := range c.books {
		c.byISBN[b.ISBN] = i
	}
	for _, s := range series {
		c.series[s.ID] = s
	}
	return c
}

// Books returns the owned books ordered by ISBN. The slice must not be
// modified.
func (c *Catalog) Books() []Book {
	return c.books
}

// Book looks up an owned book by ISBN.
func (c *Catalog) Book(isbn string) (Book, bool) {
	i, ok := c.byISBN[isbn]
	if !ok {
		return Book{}, false
	}
	return c.books[i], true
}

// Owns reports whether isbn is an owned book in the snapshot.
func (c *Catalog) Owns(isbn string) bool {
	_, ok := c.byISBN[isbn]
	return ok
}

// Series looks up series metadata by ID.
func (c *Catalog) Series(id string) (SeriesInfo, bool) {
	s, ok := c.series[id]
	return s, ok
}

// SeriesIDs returns the IDs of every series known to the snapshot, sorted.
func (c *Catalog) SeriesIDs() []string {
	ids := make([]string, 0, len(c.series))
	for id := range c.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of owned books.
func (c *Catalog) Len() int {
	return len(c.books)
}
