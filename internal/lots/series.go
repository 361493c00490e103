package lots

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// maxListedPositions caps how many positions a justification line spells out.
const maxListedPositions = 10

// AnalyzeSeries computes the ownership view of a series from the positions
// the caller owns. Positions outside 1..Total are still reported as owned but
// never counted as missing. When info.Total is not positive the completion is
// unknown and Ratio is left at zero.
func AnalyzeSeries(info domain.SeriesInfo, owned []int) domain.SeriesCompletion {
	have := uniqueSorted(owned)
	out := domain.SeriesCompletion{
		SeriesID: info.ID,
		Total:    info.Total,
		Have:     have,
		Missing:  []int{},
	}
	if info.Total <= 0 {
		return out
	}

	out.Known = true
	inRange := 0
	seen := make(map[int]bool, len(have))
	for _, p := range have {
		seen[p] = true
		if p >= 1 && p <= info.Total {
			inRange++
		}
	}
	for p := 1; p <= info.Total; p++ {
		if !seen[p] {
			out.Missing = append(out.Missing, p)
		}
	}
	out.Ratio = float64(inRange) / float64(info.Total)
	if out.Ratio > 1 {
		out.Ratio = 1
	}
	return out
}

// ownedPositions resolves the series position of each owned member. A book
// whose reference carries no position falls back to the series member table.
func ownedPositions(info domain.SeriesInfo, books []domain.Book) []int {
	byISBN := make(map[string]int, len(info.Members))
	for _, m := range info.Members {
		byISBN[m.ISBN] = m.Position
	}
	positions := make([]int, 0, len(books))
	for _, b := range books {
		pos := 0
		if b.Series != nil {
			pos = b.Series.Position
		}
		if pos <= 0 {
			pos = byISBN[b.ISBN]
		}
		if pos > 0 {
			positions = append(positions, pos)
		}
	}
	return positions
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// completionLines renders the have/missing summary of a series lot.
func completionLines(c domain.SeriesCompletion, members int) []string {
	if !c.Known {
		return []string{fmt.Sprintf("Have %d books; series length unknown", members)}
	}
	lines := []string{
		fmt.Sprintf("Have %d of %d books (%.0f%% complete)", int(math.Round(c.Ratio*float64(c.Total))), c.Total, c.Ratio*100),
	}
	if len(c.Have) > 0 {
		lines = append(lines, "Have: "+formatPositions(c.Have))
	}
	if len(c.Missing) > 0 {
		lines = append(lines, "Missing: "+formatPositions(c.Missing))
	} else {
		lines = append(lines, "Complete set")
	}
	return lines
}

func formatPositions(ps []int) string {
	n := len(ps)
	if n > maxListedPositions {
		n = maxListedPositions
	}
	parts := make([]string, 0, n+1)
	for _, p := range ps[:n] {
		parts = append(parts, "#"+strconv.Itoa(p))
	}
	if len(ps) > maxListedPositions {
		parts = append(parts, fmt.Sprintf("and %d more", len(ps)-maxListedPositions))
	}
	return strings.Join(parts, ", ")
}
