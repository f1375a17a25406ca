package metadata

import (
	"bytes"
	"encoding/json"
)

// DocumentExtractor picks the structured document out of raw extractor
// stdout. It reports false when no document could be found.
type DocumentExtractor func(stdout []byte) ([]byte, bool)

// LastDocument accepts the whole output when it is a single JSON object,
// otherwise it returns the last line that is one. yt-dlp may print progress
// or notices before the JSON dump even with --quiet.
func LastDocument(stdout []byte) ([]byte, bool) {
	whole := bytes.TrimSpace(stdout)
	if isObject(whole) {
		return whole, true
	}

	// bufio.Scanner would choke on dumps larger than its token limit
	lines := bytes.Split(whole, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if isObject(line) {
			return line, true
		}
	}

	return nil, false
}

func isObject(b []byte) bool {
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
