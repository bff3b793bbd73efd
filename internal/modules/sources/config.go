// Package sources provides simulated yield source adapters and their YAML configuration.
package sources

import (
	"fmt"
	"os"

	"github.com/aristath/vault/internal/domain"
	"gopkg.in/yaml.v3"
)

// RewardConfig describes one reward token emitted by a source
type RewardConfig struct {
	Token  string `yaml:"token"`
	PerDay string `yaml:"per_day"` // smallest units emitted per day while the source holds funds
}

// Config describes one yield source
type Config struct {
	ID             string         `yaml:"id"`
	Weight         uint16         `yaml:"weight_bps"`
	APYBps         uint64         `yaml:"apy_bps"`
	WithdrawFeeBps uint64         `yaml:"withdraw_fee_bps"`
	LiquidityCap   string         `yaml:"liquidity_cap,omitempty"` // max returned per withdraw; empty means unlimited
	Rewards        []RewardConfig `yaml:"rewards,omitempty"`
}

// PriceConfig is a swap price: Numerator/Denominator underlying units per reward unit
type PriceConfig struct {
	Token       string `yaml:"token"`
	Numerator   uint64 `yaml:"numerator"`
	Denominator uint64 `yaml:"denominator"`
}

// File is the sources YAML document
type File struct {
	Sources    []Config      `yaml:"sources"`
	SwapFeeBps uint64        `yaml:"swap_fee_bps"`
	Prices     []PriceConfig `yaml:"prices"`
}

// Default returns the four-source layout the vault ships with: three
// lending venues and a Curve-style pool paying CNC, CRV and CVX.
func Default() *File {
	return &File{
		Sources: []Config{
			{ID: "aave", Weight: 2500, APYBps: 300},
			{ID: "compound", Weight: 2500, APYBps: 250},
			{ID: "yearn", Weight: 2500, APYBps: 400, WithdrawFeeBps: 0},
			{
				ID: "conic", Weight: 2500, APYBps: 200,
				Rewards: []RewardConfig{
					{Token: "CNC", PerDay: "1000000000000000000"},
					{Token: "CRV", PerDay: "5000000000000000000"},
					{Token: "CVX", PerDay: "2000000000000000000"},
				},
			},
		},
		SwapFeeBps: 30,
		Prices: []PriceConfig{
			// 18-decimal reward tokens into a 6-decimal underlying
			{Token: "CNC", Numerator: 1_500_000, Denominator: 1_000_000_000_000_000_000},
			{Token: "CRV", Numerator: 500_000, Denominator: 1_000_000_000_000_000_000},
			{Token: "CVX", Numerator: 3_000_000, Denominator: 1_000_000_000_000_000_000},
		},
	}
}

// LoadFile reads a sources YAML file. An empty path returns Default().
func LoadFile(path string) (*File, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sources file %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks ids, amounts and the weight sum
func (f *File) Validate() error {
	if len(f.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]struct{}, len(f.Sources))
	sum := 0
	for _, s := range f.Sources {
		if s.ID == "" {
			return fmt.Errorf("source id must not be empty")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("source %s listed twice", s.ID)
		}
		seen[s.ID] = struct{}{}
		sum += int(s.Weight)
		if s.WithdrawFeeBps > domain.BasisPoints {
			return fmt.Errorf("source %s: withdraw fee above 100%%", s.ID)
		}
		if s.LiquidityCap != "" {
			if _, err := domain.ParseAmount(s.LiquidityCap); err != nil {
				return fmt.Errorf("source %s: %w", s.ID, err)
			}
		}
		for _, r := range s.Rewards {
			if _, err := domain.ParseAmount(r.PerDay); err != nil {
				return fmt.Errorf("source %s reward %s: %w", s.ID, r.Token, err)
			}
		}
	}
	if sum != domain.BasisPoints {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidWeightSum, sum)
	}
	for _, p := range f.Prices {
		if p.Denominator == 0 {
			return fmt.Errorf("price for %s has zero denominator", p.Token)
		}
	}
	return nil
}

// Allocations returns the initial weight vector
func (f *File) Allocations() []domain.Allocation {
	out := make([]domain.Allocation, len(f.Sources))
	for i, s := range f.Sources {
		out[i] = domain.Allocation{Source: domain.SourceID(s.ID), Weight: s.Weight}
	}
	return out
}

// RewardTokens lists every reward token across sources, in order of first appearance
func (f *File) RewardTokens() []domain.Token {
	var out []domain.Token
	seen := make(map[string]struct{})
	for _, s := range f.Sources {
		for _, r := range s.Rewards {
			if _, ok := seen[r.Token]; ok {
				continue
			}
			seen[r.Token] = struct{}{}
			out = append(out, domain.Token(r.Token))
		}
	}
	return out
}
