package comps

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeParserDefaults(t *testing.T) {
	p := NewSizeParser()

	tests := []struct {
		title string
		want  int
	}{
		{"Harry Potter Lot of 5 Books", 5},
		{"Complete Set of 7 Harry Potter Books", 7},
		{"Set Of 3 Jane Doe Hardcovers", 3},
		{"10 Book Lot Stephen King", 10},
		{"4 Paperback Lot mystery", 4},
		{"Alex Cross Lot 1st 12 James Patterson", 12},
		{"Wheel of Time Complete Set 14", 14},
		{"Qty: 6 romance paperbacks", 6},
		{"Jack Reacher Lot 8", 8},
		{"Discworld 12 Novels", 12},
		{"Harry Potter and the Sorcerer's Stone", 0},
		{"Ballot Book First Edition", 0},
		{"Book 1 of the Stormlight Archive", 0},
		{"1984 Novel by George Orwell", 0},
		{"Lot 1 Signed Copy", 0},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Parse(tt.title))
		})
	}
}

func TestSizeParserCustomPatterns(t *testing.T) {
	p := NewSizeParser(SizePattern{
		Name: "bundle",
		Re:   regexp.MustCompile(`(?i)bundle\s+x(\d+)`),
		Min:  2,
		Max:  20,
	})

	assert.Equal(t, 4, p.Parse("Mystery bundle x4"))
	assert.Equal(t, 0, p.Parse("Mystery bundle x40"))
	assert.Equal(t, 0, p.Parse("Lot of 5 books"))
}
