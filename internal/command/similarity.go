package command

// Similarity is 1 - distance/longer length, over runes. Two empty strings are identical.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	if longer == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longer)
}

// levenshtein keeps two rows of the edit matrix.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			if a[i-1] == b[j-1] {
				curr[i] = prev[i-1]
			} else {
				curr[i] = 1 + min(prev[i-1], prev[i], curr[i-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(a)]
}
