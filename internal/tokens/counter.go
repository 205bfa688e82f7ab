package tokens

import (
	"sync"

	"github.com/nulzo/model-gateway/pkg/api"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"
)

const (
	// chat framing overhead per message and for the reply primer
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPrimer      = 3
)

func init() {
	// ship the BPE ranks with the binary instead of downloading them
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter counts tokens with the encoding of a model family. Families are
// encoding names (cl100k_base, o200k_base) or model names tiktoken knows.
type Counter struct {
	logger          *zap.Logger
	defaultEncoding string

	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken
}

func NewCounter(defaultEncoding string, logger *zap.Logger) *Counter {
	if defaultEncoding == "" {
		defaultEncoding = tiktoken.MODEL_CL100K_BASE
	}
	return &Counter{
		logger:          logger,
		defaultEncoding: defaultEncoding,
		encoders:        make(map[string]*tiktoken.Tiktoken),
	}
}

func (c *Counter) encoder(family string) *tiktoken.Tiktoken {
	if family == "" {
		family = c.defaultEncoding
	}

	c.mu.RLock()
	enc, ok := c.encoders[family]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.encoders[family]; ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(family)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(family)
	}
	if err != nil && family != c.defaultEncoding {
		c.logger.Warn("Unknown tokenizer family, using default encoding",
			zap.String("family", family),
			zap.String("default", c.defaultEncoding))
		enc, err = tiktoken.GetEncoding(c.defaultEncoding)
	}
	if err != nil {
		c.logger.Error("Tokenizer unavailable, falling back to estimation", zap.String("family", family), zap.Error(err))
		enc = nil
	}

	c.encoders[family] = enc
	return enc
}

// CountText returns the number of tokens in text.
func (c *Counter) CountText(family, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoder(family)
	if enc == nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the prompt size of a chat conversation including the
// per-message framing the chat format adds.
func (c *Counter) CountMessages(family string, messages []api.ChatMessage) int {
	total := replyPrimer
	for _, m := range messages {
		total += tokensPerMessage
		total += c.CountText(family, m.Role)
		total += c.CountText(family, m.Content.String())
		if m.Name != "" {
			total += tokensPerName + c.CountText(family, m.Name)
		}
	}
	return total
}

// estimate is the rough four-characters-per-token rule.
func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
