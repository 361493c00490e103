package lots

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultAliases maps pen names to the author they are grouped under.
var DefaultAliases = map[string]string{
	"Robert Galbraith": "J. K. Rowling",
}

var (
	coAuthorSplit = regexp.MustCompile(`(?i)\s*(?:;|&|\band\b|\bwith\b)\s*`)
	nameSuffixes  = map[string]bool{
		"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
		"v": true, "phd": true, "md": true, "esq": true,
	}
)

// CanonicalName is the grouping identity of an author. Key is compared for
// equality; Display is what lot names and search phrases use.
type CanonicalName struct {
	Key     string
	Display string
}

// IsZero reports whether the name carried no usable tokens.
func (n CanonicalName) IsZero() bool {
	return n.Key == ""
}

// Canonicalizer turns raw author credits into canonical names. The alias table
// is fixed at construction and applied after tokenization.
type Canonicalizer struct {
	aliases map[string]CanonicalName
}

// NewCanonicalizer builds a Canonicalizer. Alias keys and targets are raw
// author strings; both are tokenized with the same rules as Canonicalize.
func NewCanonicalizer(aliases map[string]string) *Canonicalizer {
	c := &Canonicalizer{aliases: make(map[string]CanonicalName, len(aliases))}
	for from, to := range aliases {
		src := tokenize(from)
		dst := tokenize(to)
		if src.IsZero() || dst.IsZero() {
			continue
		}
		c.aliases[src.Key] = dst
	}
	return c
}

// Canonicalize resolves a raw author credit. Multi-author credits resolve to
// the primary (first) author.
func (c *Canonicalizer) Canonicalize(raw string) CanonicalName {
	name := tokenize(raw)
	if name.IsZero() {
		return name
	}
	if alias, ok := c.aliases[name.Key]; ok {
		return alias
	}
	return name
}

type nameToken struct {
	text     string
	initials bool
}

func tokenize(raw string) CanonicalName {
	primary := strings.TrimSpace(coAuthorSplit.Split(strings.TrimSpace(raw), 2)[0])
	if primary == "" {
		return CanonicalName{}
	}
	primary = reorderLastFirst(primary)
	primary = foldAccents(primary)

	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(primary), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		w = strings.ReplaceAll(w, "'", "")
		if w != "" {
			words = append(words, w)
		}
	}

	for len(words) > 1 && nameSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}

	tokens := make([]nameToken, 0, len(words))
	for _, w := range words {
		single := len([]rune(w)) == 1
		if single && len(tokens) > 0 && tokens[len(tokens)-1].initials {
			tokens[len(tokens)-1].text += w
			continue
		}
		tokens = append(tokens, nameToken{text: w, initials: single})
	}
	if len(tokens) == 0 {
		return CanonicalName{}
	}

	caser := cases.Title(language.English)
	keys := make([]string, len(tokens))
	display := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = t.text
		if t.initials {
			var b strings.Builder
			for _, r := range strings.ToUpper(t.text) {
				b.WriteRune(r)
				b.WriteByte('.')
			}
			display[i] = b.String()
			continue
		}
		display[i] = caser.String(t.text)
	}
	return CanonicalName{
		Key:     strings.Join(keys, " "),
		Display: strings.Join(display, " "),
	}
}

// reorderLastFirst turns "Rowling, J. K." into "J. K. Rowling". A trailing
// suffix after the comma ("King, Jr.") is not a first name.
func reorderLastFirst(name string) string {
	last, first, ok := strings.Cut(name, ",")
	if !ok {
		return name
	}
	last = strings.TrimSpace(last)
	first = strings.TrimSpace(first)
	if first == "" {
		return last
	}
	if last == "" {
		return first
	}
	if nameSuffixes[strings.Trim(strings.ToLower(first), ". ")] {
		return last + " " + first
	}
	return first + " " + last
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
