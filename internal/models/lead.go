package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

type ScoreKind string

const (
	ScoreNumeric  ScoreKind = "numeric"
	ScoreUnscored ScoreKind = "unscored"
)

// Score is either a numeric quality score or free text that cannot be
// ranked. Filters switch on Kind and never coerce Raw.
type Score struct {
	Kind  ScoreKind `json:"kind"`
	Value float64   `json:"value,omitempty"`
	Raw   string    `json:"raw,omitempty"`
}

func NumericScore(v float64) Score {
	return Score{Kind: ScoreNumeric, Value: v}
}

func UnscoredScore(raw string) Score {
	return Score{Kind: ScoreUnscored, Raw: raw}
}

// ParseScore classifies a raw catalog value. Only finite numbers are numeric;
// "nan" or "inf" stay free text.
func ParseScore(raw string) Score {
	trimmed := strings.TrimSpace(raw)
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return NumericScore(v)
	}
	return UnscoredScore(raw)
}

// String returns the value as stored in the catalog column.
func (s Score) String() string {
	if s.Kind == ScoreNumeric {
		return strconv.FormatFloat(s.Value, 'f', -1, 64)
	}
	return s.Raw
}

type Lead struct {
	ID         int64     `json:"id"`
	PriceCents int64     `json:"price_cents"`
	Score      Score     `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeadFilter narrows a catalog listing. MinScore/MaxScore only match
// numeric scores; Unscored selects the free-text ones instead.
type LeadFilter struct {
	MinScore      *float64
	MaxScore      *float64
	Unscored      bool
	MaxPriceCents int64
	OnlyAvailable bool
}

func (f LeadFilter) Match(l Lead) bool {
	if f.MaxPriceCents > 0 && l.PriceCents > f.MaxPriceCents {
		return false
	}
	switch l.Score.Kind {
	case ScoreUnscored:
		return f.Unscored || (f.MinScore == nil && f.MaxScore == nil)
	case ScoreNumeric:
		if f.Unscored {
			return false
		}
		if f.MinScore != nil && l.Score.Value < *f.MinScore {
			return false
		}
		if f.MaxScore != nil && l.Score.Value > *f.MaxScore {
			return false
		}
		return true
	}
	return false
}

type PageRequest struct {
	Page    int
	PerPage int
}

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PerPage
}

type LeadPage struct {
	Items   []Lead `json:"items"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	Total   int    `json:"total"`
}
