package tokenizer

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var openAIPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "o4", "text-embedding-"}

// IsOpenAIModel reports whether modelID uses an OpenAI BPE vocabulary. A
// router prefix such as "openai/" is ignored.
func IsOpenAIModel(modelID string) bool {
	m := strings.ToLower(baseModel(modelID))
	for _, p := range openAIPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// TiktokenFamily covers OpenAI chat and embedding models.
func TiktokenFamily() Family {
	return Family{
		Name:  "tiktoken",
		Match: IsOpenAIModel,
		New: func(modelID string) (Encoder, error) {
			tk, err := tiktoken.EncodingForModel(baseModel(modelID))
			if err != nil {
				tk, err = tiktoken.GetEncoding(fallbackEncoding)
				if err != nil {
					return nil, err
				}
			}
			return tiktokenEncoder{tk: tk}, nil
		},
	}
}

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (t tiktokenEncoder) Count(text string) int {
	return len(t.tk.Encode(text, nil, nil))
}

func baseModel(modelID string) string {
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}
