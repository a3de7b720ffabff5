package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	defaultOrderNumberAttempts = 5
	base36Alphabet             = "0123456789abcdefghijklmnopqrstuvwxyz"
	widenedSuffixLength        = 6
)

// OrderNumberLookup reports whether an order number is already in use.
type OrderNumberLookup interface {
	OrderNumberExists(ctx context.Context, orderNumber string) (bool, error)
}

// OrderNumberGeneratorDeps wires the generator.
type OrderNumberGeneratorDeps struct {
	Lookup      OrderNumberLookup
	Clock       func() time.Time
	MaxAttempts int
	// Random returns a uniform integer in [0, n). Defaults to crypto/rand.
	Random func(n int64) (int64, error)
}

// OrderNumberGenerator produces codes of the form YYMMDD-<1-2 digits><2 base36 chars>,
// e.g. 260315-7k2 or 260315-42x9.
type OrderNumberGenerator struct {
	lookup      OrderNumberLookup
	now         func() time.Time
	maxAttempts int
	random      func(int64) (int64, error)
}

// NewOrderNumberGenerator validates dependencies.
func NewOrderNumberGenerator(deps OrderNumberGeneratorDeps) (*OrderNumberGenerator, error) {
	if deps.Lookup == nil {
		return nil, errors.New("order number generator: lookup is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultOrderNumberAttempts
	}
	random := deps.Random
	if random == nil {
		random = cryptoRandom
	}
	return &OrderNumberGenerator{
		lookup:      deps.Lookup,
		now:         func() time.Time { return clock().UTC() },
		maxAttempts: attempts,
		random:      random,
	}, nil
}

// Next returns an order number not currently in use. After MaxAttempts collisions it returns
// a candidate with a widened suffix without checking it; storage rejects a duplicate at commit.
func (g *OrderNumberGenerator) Next(ctx context.Context) (string, error) {
	prefix := g.now().Format("060102")
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		candidate, err := g.candidate(prefix)
		if err != nil {
			return "", err
		}
		exists, err := g.lookup.OrderNumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("order number: lookup %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	suffix, err := g.base36(widenedSuffixLength)
	if err != nil {
		return "", err
	}
	return prefix + "-" + suffix, nil
}

func (g *OrderNumberGenerator) candidate(prefix string) (string, error) {
	digits, err := g.random(100)
	if err != nil {
		return "", fmt.Errorf("order number: random: %w", err)
	}
	suffix, err := g.base36(2)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d%s", prefix, digits, suffix), nil
}

func (g *OrderNumberGenerator) base36(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := g.random(int64(len(base36Alphabet)))
		if err != nil {
			return "", fmt.Errorf("order number: random: %w", err)
		}
		b.WriteByte(base36Alphabet[idx])
	}
	return b.String(), nil
}

func cryptoRandom(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}
