package retrieval

import (
	"strings"
	"unicode/utf8"
)

// separators are tried in order; text is split on the coarsest one present.
var separators = []string{"\n\n", "\n", " ", ""}

// Split breaks text into chunks of at most size characters. Consecutive
// chunks share up to overlap characters of trailing context. Paragraph, then
// line, then word boundaries are preferred over cutting inside a word.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return splitWith(text, separators, size, overlap)
}

func splitWith(text string, seps []string, size, overlap int) []string {
	sep, rest := seps[len(seps)-1], []string(nil)
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, fitting []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if length(p) <= size {
			fitting = append(fitting, p)
			continue
		}
		if len(fitting) > 0 {
			out = append(out, merge(fitting, sep, size, overlap)...)
			fitting = nil
		}
		if len(rest) == 0 {
			out = append(out, p)
		} else {
			out = append(out, splitWith(p, rest, size, overlap)...)
		}
	}
	if len(fitting) > 0 {
		out = append(out, merge(fitting, sep, size, overlap)...)
	}
	return out
}

// merge packs pieces into chunks no longer than size, carrying up to overlap
// characters of the previous chunk's tail into the next one.
func merge(pieces []string, sep string, size, overlap int) []string {
	sepLen := length(sep)
	var (
		docs  []string
		cur   []string
		total int
	)
	joinLen := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	for _, p := range pieces {
		l := length(p)
		if len(cur) > 0 && total+l+joinLen(len(cur)) > size {
			if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
				docs = append(docs, doc)
			}
			for len(cur) > 0 && (total > overlap || total+l+joinLen(len(cur)) > size) {
				total -= length(cur[0]) + joinLen(len(cur)-1)
				cur = cur[1:]
			}
		}
		total += l + joinLen(len(cur))
		cur = append(cur, p)
	}
	if doc := strings.TrimSpace(strings.Join(cur, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func length(s string) int { return utf8.RuneCountInString(s) }
