// Package snippets extracts the text around statutory provision references
// (French and Dutch keywords) so that prompts carry only the relevant parts
// of long decisions.
package snippets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/3leaps/kgextract/pkg/record"
)

// Window is the number of characters kept on each side of a keyword before
// the window is widened to the nearest space.
const Window = 250

// Word keywords need a trailing word boundary; abbreviations end in a dot
// and match whatever follows ("art. 5", "art.5").
var keywords = regexp.MustCompile(`(?i)\b(?:(?:articles?|artikel(?:s|en)?)\b|art\.|artt\.|arts\.)`)

var spaces = regexp.MustCompile(`\s+`)

// Extract returns the de-duplicated provision windows of text in the order
// they first occur.
func Extract(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range keywords.FindAllStringIndex(text, -1) {
		start := runesBack(text, m[0], Window)
		end := runesForward(text, m[1], Window)

		if start > 0 {
			if i := strings.LastIndexByte(text[:start], ' '); i >= 0 {
				start = i + 1
			}
		}
		if i := strings.IndexByte(text[end:], ' '); i >= 0 {
			end += i
		} else {
			end = len(text)
		}

		s := strings.TrimSpace(spaces.ReplaceAllString(text[start:end], " "))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// runesBack returns the byte offset n runes before offset i in s.
func runesBack(s string, i, n int) int {
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return i
}

// runesForward returns the byte offset n runes after offset i in s.
func runesForward(s string, i, n int) int {
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// Preprocessor returns a row preprocessor that stores the snippets of the
// text in field from under field to.
func Preprocessor(from, to string) func(ctx context.Context, row record.Record) (record.Record, error) {
	return func(_ context.Context, row record.Record) (record.Record, error) {
		v, ok := record.Lookup(row, from)
		if !ok {
			return nil, fmt.Errorf("text field %q is missing", from)
		}
		text, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("text field %q is %T, not a string", from, v)
		}
		found := Extract(text)
		rows := make([]any, len(found))
		for i, s := range found {
			rows[i] = s
		}
		row[to] = rows
		return row, nil
	}
}
