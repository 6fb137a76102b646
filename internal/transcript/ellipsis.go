package transcript

import "unicode/utf8"

// Width is the display width of s: runes above U+00FF count as two columns.
func Width(s string) int {
	n := 0
	for _, r := range s {
		n += runeWidth(r)
	}
	return n
}

func runeWidth(r rune) int {
	if r > 0xff {
		return 2
	}
	return 1
}

// EllipsisInMiddle shortens s to at most max columns by cutting out its
// middle and joining both ends with "...".
func EllipsisInMiddle(s string, max int) string {
	if Width(s) <= max {
		return s
	}
	budget := (max - 3) / 2
	if budget <= 0 {
		return "..."
	}

	left, used := 0, 0
	for left < len(s) {
		r, size := utf8.DecodeRuneInString(s[left:])
		if used+runeWidth(r) > budget {
			break
		}
		used += runeWidth(r)
		left += size
	}

	right, used := len(s), 0
	for right > left {
		r, size := utf8.DecodeLastRuneInString(s[:right])
		if used+runeWidth(r) > budget {
			break
		}
		used += runeWidth(r)
		right -= size
	}
	return s[:left] + "..." + s[right:]
}
