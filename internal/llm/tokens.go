package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the token length of s with the cl100k encoding,
// falling back to four characters per token when the codec is unavailable.
func CountTokens(s string) int {
	if s == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec != nil {
		if ids, _, err := codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return (len(s) + 3) / 4
}
