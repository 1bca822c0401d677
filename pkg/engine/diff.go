package engine

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineDiff renders a line-level diff of current against desired. Removed lines are
// prefixed "- ", added lines "+ " and unchanged lines two spaces.
func LineDiff(current, desired string) string {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(current, desired)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// JSONDiff renders LineDiff over the indented JSON encodings of current and desired.
func JSONDiff(current, desired interface{}) (string, error) {
	a, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(desired, "", "  ")
	if err != nil {
		return "", err
	}
	return LineDiff(string(a)+"\n", string(b)+"\n"), nil
}
