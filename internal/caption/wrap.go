package caption

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

// Script groups languages by how captions are wrapped.
type Script int

const (
	// Latin text wraps at spaces.
	Latin Script = iota
	// Chinese text may break between any two characters.
	Chinese
	// Japanese text may break between any two characters.
	Japanese
)

// ScriptOf classifies a BCP 47 language code. Unparseable codes are Latin.
func ScriptOf(code string) Script {
	tag, err := language.Parse(code)
	if err != nil {
		return Latin
	}
	base, _ := tag.Base()
	switch base.String() {
	case "zh":
		return Chinese
	case "ja":
		return Japanese
	default:
		return Latin
	}
}

// CJK reports whether s breaks between characters instead of words.
func (s Script) CJK() bool {
	return s == Chinese || s == Japanese
}

// WrapColumns is the first-pass wrap width in display columns.
func WrapColumns(s Script, ratio float64) int {
	var cols float64
	switch s {
	case Chinese:
		cols = 30 * ratio
	case Japanese:
		cols = 20
	default:
		cols = 50
	}
	if cols < 1 {
		return 1
	}
	return int(cols)
}

// runeWidth is the display width of r: 2 for East Asian wide and fullwidth
// characters, 1 otherwise.
func runeWidth(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}

// StringWidth is the display width of s in columns.
func StringWidth(s string) int {
	n := 0
	for _, r := range s {
		n += runeWidth(r)
	}
	return n
}

// Wrap breaks text into lines of at most cols display columns. Spaces are
// preferred break points; wide characters may break anywhere; a single Latin
// word longer than cols is split hard.
func Wrap(text string, cols int) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	if cols < 1 {
		cols = 1
	}

	var (
		lines []string
		line  []rune
		w     int
	)
	runes := []rune(text)
	flush := func() {
		s := strings.TrimRight(string(line), " ")
		if s != "" {
			lines = append(lines, s)
		}
		line, w = line[:0], 0
	}

	for i := 0; i < len(runes); {
		r := runes[i]
		if r == ' ' {
			if w > 0 && w < cols {
				line = append(line, r)
				w++
			}
			i++
			continue
		}
		if rw := runeWidth(r); rw == 2 {
			if w+rw > cols && w > 0 {
				flush()
			}
			line = append(line, r)
			w += rw
			i++
			continue
		}

		// Latin word: runes up to the next space or wide character.
		j := i
		for j < len(runes) && runes[j] != ' ' && runeWidth(runes[j]) == 1 {
			j++
		}
		word := runes[i:j]
		if w+len(word) > cols && w > 0 {
			flush()
		}
		for len(word) > cols {
			line = append(line, word[:cols-w]...)
			word = word[cols-w:]
			flush()
		}
		line = append(line, word...)
		w += len(word)
		i = j
	}
	flush()
	return lines
}
