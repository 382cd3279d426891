// Package tokens counts model tokens for text spans.
package tokens

import (
	"errors"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// The BPE ranks ship inside the binary, so an exact count never waits on a download.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// CharsPerToken is the ratio used when no exact encoder is available.
const CharsPerToken = 4

// Encoder is satisfied by *tiktoken.Tiktoken.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// EncoderLookup resolves the encoder for a model name.
type EncoderLookup func(model string) (Encoder, error)

// Counter counts tokens with the model's BPE encoding when one is known and
// falls back to Estimate otherwise. Encoders and lookup failures are cached per model.
// Count never panics.
type Counter struct {
	mu       sync.RWMutex
	encoders map[string]Encoder // nil value caches a failed lookup
	lookup   EncoderLookup
	logger   *slog.Logger
}

type Option func(*Counter)

// WithEncoderLookup replaces the tiktoken model lookup.
func WithEncoderLookup(fn EncoderLookup) Option {
	return func(c *Counter) { c.lookup = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCounter(opts ...Option) *Counter {
	c := &Counter{
		encoders: make(map[string]Encoder),
		lookup:   tiktokenLookup,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "token-counter")
	return c
}

func tiktokenLookup(model string) (Encoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Count returns the number of tokens text occupies for model.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := c.encoder(model)
	if enc == nil {
		return Estimate(text)
	}
	n, ok := safeEncode(enc, text)
	if !ok {
		return Estimate(text)
	}
	return n
}

func (c *Counter) encoder(model string) Encoder {
	if model == "" {
		return nil
	}

	c.mu.RLock()
	enc, seen := c.encoders[model]
	c.mu.RUnlock()
	if seen {
		return enc
	}

	enc, err := c.safeLookup(model)
	if err != nil {
		c.logger.Debug("exact encoding unavailable, estimating", "model", model, "err", err)
		enc = nil
	}

	c.mu.Lock()
	c.encoders[model] = enc
	c.mu.Unlock()
	return enc
}

func (c *Counter) safeLookup(model string) (enc Encoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			enc = nil
			err = errLookupPanic
		}
	}()
	return c.lookup(model)
}

// safeEncode treats special-token markers in user text as ordinary text.
func safeEncode(enc Encoder, text string) (n int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n, ok = 0, false
		}
	}()
	return len(enc.Encode(text, []string{"all"}, nil)), true
}

// Estimate is ceil(characters / 4).
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

var errLookupPanic = errors.New("encoder lookup panicked")
