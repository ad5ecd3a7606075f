package executor

import (
	"regexp"
	"strconv"
	"strings"
)

var rowsRx = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:rows?|records?)\b`)

// rowHint extracts the last "N rows" or "N records" mention from diagnostic
// output. It is a best effort hint, nil means no match.
func rowHint(diag []byte) *int {
	matches := rowsRx.FindAllSubmatch(diag, -1)
	if len(matches) == 0 {
		return nil
	}
	last := string(matches[len(matches)-1][1])
	n, err := strconv.Atoi(strings.ReplaceAll(last, ",", ""))
	if err != nil {
		return nil
	}
	return &n
}
