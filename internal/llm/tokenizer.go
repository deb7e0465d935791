package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const fallbackEncoding = "cl100k_base"

// BPE ranks come from the files embedded in tiktoken-go-loader, never from
// the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer counts and cuts text the way a chat model does.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// Encode returns the token ids of text. Special-token text is encoded as
// ordinary text.
func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode turns token ids back into text.
func (t *Tokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	return len(t.Encode(text))
}

var (
	tokenizerMu    sync.Mutex
	tokenizerCache = map[string]*Tokenizer{}
)

// TokenizerFor returns the tiktoken encoding for model, falling back to
// cl100k_base for models tiktoken does not know (Anthropic, Ollama).
func TokenizerFor(model string) (*Tokenizer, error) {
	tokenizerMu.Lock()
	defer tokenizerMu.Unlock()

	if t, ok := tokenizerCache[model]; ok {
		return t, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	t := &Tokenizer{enc: enc}
	tokenizerCache[model] = t
	return t, nil
}
