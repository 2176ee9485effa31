// Package reading produces the payload a billable request pays for.
//
// The gate and the HTTP layer treat the producer as opaque: anything that
// can turn a question into a Reading can be wired in. The built-in producer
// draws cards locally, which keeps the billable path real end to end
// without an LLM in the loop.
package reading

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MaxCards bounds one draw. More than ten cards is not a spread, it is a
// shuffled deck.
const MaxCards = 10

// DefaultCards is the classic three-card spread.
const DefaultCards = 3

// Request is what the user asked for.
type Request struct {
	Question string
	Cards    int
}

// Card is one drawn card with its orientation and position in the spread.
type Card struct {
	Name     string `json:"name"`
	Reversed bool   `json:"reversed"`
	Position string `json:"position"`
}

// Reading is the produced payload.
type Reading struct {
	Question string    `json:"question"`
	Cards    []Card    `json:"cards"`
	DrawnAt  time.Time `json:"drawn_at"`
}

// Producer turns a request into a reading.
type Producer interface {
	Produce(ctx context.Context, req Request) (*Reading, error)
}

var majorArcana = []string{
	"The Fool", "The Magician", "The High Priestess", "The Empress",
	"The Emperor", "The Hierophant", "The Lovers", "The Chariot",
	"Strength", "The Hermit", "Wheel of Fortune", "Justice",
	"The Hanged Man", "Death", "Temperance", "The Devil",
	"The Tower", "The Star", "The Moon", "The Sun",
	"Judgement", "The World",
}

var threeCardPositions = []string{"past", "present", "future"}

// CardProducer draws distinct major-arcana cards from a local RNG.
type CardProducer struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewCardProducer seeds the deck. A fixed seed gives deterministic draws,
// which tests use; production passes time.Now().UnixNano().
func NewCardProducer(seed int64) *CardProducer {
	return &CardProducer{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// Produce draws the requested number of distinct cards. Zero cards means
// the default spread; requests beyond MaxCards are rejected.
func (p *CardProducer) Produce(ctx context.Context, req Request) (*Reading, error) {
	n := req.Cards
	if n == 0 {
		n = DefaultCards
	}
	if n < 0 || n > MaxCards {
		return nil, fmt.Errorf("card count must be between 1 and %d, got %d", MaxCards, req.Cards)
	}

	p.mu.Lock()
	indexes := p.rng.Perm(len(majorArcana))[:n]
	cards := make([]Card, n)
	for i, idx := range indexes {
		cards[i] = Card{
			Name:     majorArcana[idx],
			Reversed: p.rng.Intn(2) == 1,
			Position: positionName(i, n),
		}
	}
	p.mu.Unlock()

	return &Reading{
		Question: req.Question,
		Cards:    cards,
		DrawnAt:  p.now().UTC(),
	}, nil
}

func positionName(i, total int) string {
	if total == len(threeCardPositions) {
		return threeCardPositions[i]
	}
	return fmt.Sprintf("card %d", i+1)
}
