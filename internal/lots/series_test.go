package lots

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/booklots/internal/domain"
)

func TestAnalyzeSeries(t *testing.T) {
	got := AnalyzeSeries(domain.SeriesInfo{ID: "s1", Total: 7}, []int{5, 1, 2})

	assert.True(t, got.Known)
	assert.InDelta(t, 0.4286, got.Ratio, 1e-4)
	assert.Equal(t, []int{1, 2, 5}, got.Have)
	assert.Equal(t, []int{3, 4, 6, 7}, got.Missing)
	assert.Equal(t, domain.SeriesStatusIncomplete, got.Status())
}

func TestAnalyzeSeriesComplete(t *testing.T) {
	got := AnalyzeSeries(domain.SeriesInfo{ID: "s1", Total: 3}, []int{3, 2, 1, 2})

	assert.Equal(t, 1.0, got.Ratio)
	assert.Equal(t, []int{1, 2, 3}, got.Have)
	assert.Empty(t, got.Missing)
	assert.Equal(t, domain.SeriesStatusComplete, got.Status())
}

func TestAnalyzeSeriesUnknownTotal(t *testing.T) {
	got := AnalyzeSeries(domain.SeriesInfo{ID: "s1"}, []int{2, 1})

	assert.False(t, got.Known)
	assert.Zero(t, got.Ratio)
	assert.Equal(t, []int{1, 2}, got.Have)
	assert.Empty(t, got.Missing)
	assert.Equal(t, domain.SeriesStatusUnknown, got.Status())
}

func TestAnalyzeSeriesOutOfRangePositionsAreClamped(t *testing.T) {
	got := AnalyzeSeries(domain.SeriesInfo{ID: "s1", Total: 2}, []int{1, 2, 9})

	assert.Equal(t, 1.0, got.Ratio)
	assert.Equal(t, []int{1, 2, 9}, got.Have)
	assert.Empty(t, got.Missing)
}

func TestOwnedPositionsFallsBackToMemberTable(t *testing.T) {
	info := domain.SeriesInfo{
		ID:      "s1",
		Members: []domain.SeriesMember{{Position: 4, ISBN: "b"}},
	}
	books := []domain.Book{
		{ISBN: "a", Series: &domain.SeriesRef{SeriesID: "s1", Position: 2}},
		{ISBN: "b", Series: &domain.SeriesRef{SeriesID: "s1"}},
		{ISBN: "c", Series: &domain.SeriesRef{SeriesID: "s1"}},
	}

	assert.Equal(t, []int{2, 4}, ownedPositions(info, books))
}

func TestFormatPositionsTruncates(t *testing.T) {
	ps := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	assert.Equal(t, "#1, #2, #3, #4, #5, #6, #7, #8, #9, #10, and 2 more", formatPositions(ps))
}

func TestCompletionLines(t *testing.T) {
	c := AnalyzeSeries(domain.SeriesInfo{ID: "s1", Total: 7}, []int{1, 2, 5})
	assert.Equal(t, []string{
		"Have 3 of 7 books (43% complete)",
		"Have: #1, #2, #5",
		"Missing: #3, #4, #6, #7",
	}, completionLines(c, 3))
}
