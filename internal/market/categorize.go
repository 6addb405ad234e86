package market

import "strings"

// keywordCategories maps lowercase substrings of a tag's label or slug to a
// display category. Order matters only for output stability; a tag can land
// in several categories (e.g. "Trump" is both Politics and Trump).
var keywordCategories = []struct {
	keyword  string
	category string
}{
	{"politic", "Politics"},
	{"election", "Elections"},
	{"trump", "Trump"},
	{"sport", "Sports"},
	{"nfl", "Sports"},
	{"nba", "Sports"},
	{"mlb", "Sports"},
	{"nhl", "Sports"},
	{"soccer", "Sports"},
	{"tennis", "Sports"},
	{"ufc", "Sports"},
	{"crypto", "Crypto"},
	{"bitcoin", "Crypto"},
	{"ethereum", "Crypto"},
	{"defi", "Crypto"},
	{"finance", "Finance"},
	{"stocks", "Finance"},
	{"fed", "Finance"},
	{"geopolitic", "Geopolitics"},
	{"war", "Geopolitics"},
	{"earnings", "Earnings"},
	{"tech", "Tech"},
	{"ai", "Tech"},
	{"culture", "Culture"},
	{"celebrit", "Culture"},
	{"movies", "Culture"},
	{"music", "Culture"},
	{"world", "World"},
	{"econom", "Economy"},
	{"inflation", "Economy"},
	{"gdp", "Economy"},
	{"mention", "Mentions"},
}

// inferCategories derives display categories for a tag from its label and
// slug. Long keywords match as word prefixes ("politic" covers "politics"
// and "political"); short ones ("ai", "fed", "war") must match a whole word
// so they don't fire inside unrelated words.
func inferCategories(label, slug string) []string {
	words := tagWords(label, slug)

	seen := make(map[string]bool)
	var categories []string
	for _, kc := range keywordCategories {
		if seen[kc.category] {
			continue
		}
		for _, w := range words {
			if matchKeyword(w, kc.keyword) {
				seen[kc.category] = true
				categories = append(categories, kc.category)
				break
			}
		}
	}
	return categories
}

func matchKeyword(word, keyword string) bool {
	if len(keyword) <= 3 {
		return word == keyword
	}
	return strings.HasPrefix(word, keyword)
}

// tagWords splits the label and slug into lowercase words.
func tagWords(label, slug string) []string {
	split := func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}
	var words []string
	words = append(words, strings.FieldsFunc(strings.ToLower(label), split)...)
	words = append(words, strings.FieldsFunc(strings.ToLower(slug), split)...)
	return words
}
