// Package tokencount estimates token counts for the token-limit
// accounting in spec §4.4/§6 ("Token encoding"). Neither backend's wire
// protocol exposes a pre-flight token count cheaply, so both go through
// the same cl100k_base estimate; it is an approximation, not an exact
// count, which is what the spec calls for ("Token encoding... used only
// to estimate, not to exactly reproduce a given backend's tokenizer").
package tokencount

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	if encErr != nil {
		return nil, errors.Wrap(encErr, "tokencount: load cl100k_base encoding")
	}
	return enc, nil
}

// Count returns the estimated token count of text.
func Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	e, err := encoder()
	if err != nil {
		return 0, err
	}
	return len(e.Encode(text, nil, nil)), nil
}

// CountOrZero is Count with errors swallowed to 0, for call sites that
// only use the result as a soft budget hint (never fails a request over
// a tokenizer-load problem).
func CountOrZero(text string) int {
	n, err := Count(text)
	if err != nil {
		return 0
	}
	return n
}
