// Package tokenizer counts tokens for a model id. Models that belong to a
// known tokenizer family get an exact count from that family's encoder;
// everything else gets a character-ratio estimate. Counting never fails.
package tokenizer

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/logging"
)

// Encoder returns the exact token count of text.
type Encoder interface {
	Count(text string) int
}

// Family recognises model ids and builds their encoder.
type Family struct {
	Name  string
	Match func(modelID string) bool
	New   func(modelID string) (Encoder, error)
}

type entry struct {
	once sync.Once
	enc  Encoder
}

// Estimator is safe for concurrent use. Encoders are built at most once
// per distinct model id and kept for the life of the Estimator.
type Estimator struct {
	ratio    float64
	families []Family
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

type Option func(*Estimator)

// WithFamilies replaces the default family list.
func WithFamilies(families ...Family) Option {
	return func(e *Estimator) { e.families = families }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Estimator) { e.logger = logging.For(l, "tokenizer") }
}

// New returns an Estimator using tokensPerChar for the fallback path. A
// non-positive ratio falls back to 0.25.
func New(tokensPerChar float64, opts ...Option) *Estimator {
	if tokensPerChar <= 0 {
		tokensPerChar = 0.25
	}
	e := &Estimator{
		ratio:    tokensPerChar,
		families: []Family{TiktokenFamily()},
		logger:   zerolog.Nop(),
		cache:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CountTokens returns the token count of text for modelID.
func (e *Estimator) CountTokens(text, modelID string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(modelID); enc != nil {
		return enc.Count(text)
	}
	return Approximate(text, e.ratio)
}

// Ratio is the tokens-per-character value of the fallback path.
func (e *Estimator) Ratio() float64 { return e.ratio }

func (e *Estimator) encoder(modelID string) Encoder {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil
	}

	e.mu.Lock()
	ent, ok := e.cache[modelID]
	if !ok {
		ent = &entry{}
		e.cache[modelID] = ent
	}
	e.mu.Unlock()

	ent.once.Do(func() {
		for _, fam := range e.families {
			if fam.Match == nil || !fam.Match(modelID) {
				continue
			}
			enc, err := safeNew(fam, modelID)
			if err != nil {
				e.logger.Warn().Err(err).Str("model", modelID).Str("family", fam.Name).Msg("encoder unavailable, using estimate")
				return
			}
			ent.enc = enc
			return
		}
	})
	return ent.enc
}

func safeNew(fam Family, modelID string) (enc Encoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			enc, err = nil, fmt.Errorf("encoder construction panicked: %v", r)
		}
	}()
	return fam.New(modelID)
}

// Approximate is max(1, floor(chars*ratio)) for non-empty text and 0 for
// empty text. Characters are counted as runes.
func Approximate(text string, ratio float64) int {
	if text == "" {
		return 0
	}
	n := int(math.Floor(float64(utf8.RuneCountInString(text)) * ratio))
	if n < 1 {
		return 1
	}
	return n
}
