package entities

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TurnDetectionMode selects how the speech service decides the caller finished speaking
type TurnDetectionMode string

const (
	TurnDetectionNone     TurnDetectionMode = "none"
	TurnDetectionFixed    TurnDetectionMode = "fixed-threshold"
	TurnDetectionSemantic TurnDetectionMode = "semantic"
)

// Eagerness tunes semantic turn detection
type Eagerness string

const (
	EagernessLow    Eagerness = "low"
	EagernessMedium Eagerness = "medium"
	EagernessHigh   Eagerness = "high"
	EagernessAuto   Eagerness = "auto"
)

// NoiseReduction selects input noise reduction
type NoiseReduction string

const (
	NoiseReductionNone      NoiseReduction = ""
	NoiseReductionNearField NoiseReduction = "near_field"
	NoiseReductionFarField  NoiseReduction = "far_field"
)

// ToolDefinition is one entry of the tool manifest advertised to the model
type ToolDefinition struct {
	Name        string          `json:"name" bson:"name"`
	Description string          `json:"description" bson:"description"`
	Parameters  json.RawMessage `json:"parameters" bson:"parameters"`
}

// SessionConfig is resolved once per call before the speech channel connects
type SessionConfig struct {
	Instructions    string            `json:"instructions" bson:"instructions"`
	Voice           string            `json:"voice" bson:"voice"`
	TurnDetection   TurnDetectionMode `json:"turn_detection" bson:"turn_detection"`
	Eagerness       Eagerness         `json:"eagerness,omitempty" bson:"eagerness,omitempty"`
	NoiseReduction  NoiseReduction    `json:"noise_reduction,omitempty" bson:"noise_reduction,omitempty"`
	Temperature     float64           `json:"temperature" bson:"temperature"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty" bson:"max_output_tokens,omitempty"`
	Greeting        string            `json:"greeting,omitempty" bson:"greeting,omitempty"`
	Tools           []ToolDefinition  `json:"tools,omitempty" bson:"tools,omitempty"`
}

// Validate checks the config before connecting. A failure here is a configuration error.
func (c SessionConfig) Validate() error {
	if c.Voice == "" {
		return errors.New("voice is required")
	}
	switch c.TurnDetection {
	case TurnDetectionNone, TurnDetectionFixed, TurnDetectionSemantic:
	default:
		return fmt.Errorf("invalid turn detection mode: %q", c.TurnDetection)
	}
	switch c.Eagerness {
	case "", EagernessLow, EagernessMedium, EagernessHigh, EagernessAuto:
	default:
		return fmt.Errorf("invalid eagerness: %q", c.Eagerness)
	}
	switch c.NoiseReduction {
	case NoiseReductionNone, NoiseReductionNearField, NoiseReductionFarField:
	default:
		return fmt.Errorf("invalid noise reduction: %q", c.NoiseReduction)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", c.Temperature)
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" {
			return errors.New("tool name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tool: %s", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Merge returns c with every non-zero field of override applied
func (c SessionConfig) Merge(override SessionConfig) SessionConfig {
	if override.Instructions != "" {
		c.Instructions = override.Instructions
	}
	if override.Voice != "" {
		c.Voice = override.Voice
	}
	if override.TurnDetection != "" {
		c.TurnDetection = override.TurnDetection
	}
	if override.Eagerness != "" {
		c.Eagerness = override.Eagerness
	}
	if override.NoiseReduction != "" {
		c.NoiseReduction = override.NoiseReduction
	}
	if override.Temperature != 0 {
		c.Temperature = override.Temperature
	}
	if override.MaxOutputTokens != 0 {
		c.MaxOutputTokens = override.MaxOutputTokens
	}
	if override.Greeting != "" {
		c.Greeting = override.Greeting
	}
	if len(override.Tools) > 0 {
		c.Tools = override.Tools
	}
	return c
}
