package protocol

import (
	"encoding/json"
	"fmt"
)

// CriteriaTypeEnum is the closed set of judgement shapes a validator can
// request from workers.
type CriteriaTypeEnum string

const (
	CriteriaScore       CriteriaTypeEnum = "SCORE"
	CriteriaMultiSelect CriteriaTypeEnum = "MULTI_SELECT"
	CriteriaRanking     CriteriaTypeEnum = "RANKING_CRITERIA"
	CriteriaMultiScore  CriteriaTypeEnum = "MULTI_SCORE"
)

// Valid reports whether the enum value is a known criteria type.
func (e CriteriaTypeEnum) Valid() bool {
	switch e {
	case CriteriaScore, CriteriaMultiSelect, CriteriaRanking, CriteriaMultiScore:
		return true
	}
	return false
}

// CriteriaType is a tagged union over the criteria variants. The config
// fields carried depend on Type:
//
//	SCORE         min, max
//	MULTI_SELECT  options
//	RANKING       options
//	MULTI_SCORE   options, min, max
type CriteriaType struct {
	Type    CriteriaTypeEnum `json:"type"`
	Options []string         `json:"options,omitempty"`
	Min     float64          `json:"min,omitempty"`
	Max     float64          `json:"max,omitempty"`
}

func (c CriteriaType) copy() CriteriaType {
	out := c
	if c.Options != nil {
		out.Options = append([]string(nil), c.Options...)
	}
	return out
}

// criteriaConfig is the variant-specific payload persisted in the criterion
// row's config column.
type criteriaConfig struct {
	Options []string `json:"options,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// MarshalConfig encodes the variant-specific config for storage.
func (c CriteriaType) MarshalConfig() ([]byte, error) {
	if !c.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCriteriaType, c.Type)
	}

	cfg := criteriaConfig{}
	switch c.Type {
	case CriteriaScore:
		min, max := c.Min, c.Max
		cfg.Min, cfg.Max = &min, &max
	case CriteriaMultiSelect, CriteriaRanking:
		cfg.Options = c.Options
	case CriteriaMultiScore:
		min, max := c.Min, c.Max
		cfg.Options = c.Options
		cfg.Min, cfg.Max = &min, &max
	}
	return json.Marshal(cfg)
}

// UnmarshalCriteria reconstructs a CriteriaType from its stored enum value
// and config column.
func UnmarshalCriteria(enum string, config []byte) (CriteriaType, error) {
	typ := CriteriaTypeEnum(enum)
	if !typ.Valid() {
		return CriteriaType{}, fmt.Errorf("%w: %q", ErrInvalidCriteriaType, enum)
	}

	var cfg criteriaConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return CriteriaType{}, fmt.Errorf("%w: bad config: %v", ErrInvalidCriteriaType, err)
		}
	}

	out := CriteriaType{Type: typ, Options: cfg.Options}
	if cfg.Min != nil {
		out.Min = *cfg.Min
	}
	if cfg.Max != nil {
		out.Max = *cfg.Max
	}
	return out, nil
}
