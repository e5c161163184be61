package realtime

import "github.com/satriahrh/voxbridge/domain/entities"

// TurnDetection is the server-side voice activity configuration sent in session.update
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type vadTuning struct {
	threshold float64
	prefixMs  int
	silenceMs int
}

var (
	defaultTuning = vadTuning{threshold: 0.5, prefixMs: 300, silenceMs: 500}

	semanticTuning = map[entities.Eagerness]vadTuning{
		entities.EagernessLow:    {threshold: 0.7, prefixMs: 500, silenceMs: 800},
		entities.EagernessMedium: defaultTuning,
		entities.EagernessHigh:   {threshold: 0.3, prefixMs: 100, silenceMs: 300},
		entities.EagernessAuto:   defaultTuning,
	}
)

// TurnDetectionFor derives the turn-detection block from a session config.
// It returns nil when turn detection is disabled; the caller then commits audio itself.
func TurnDetectionFor(cfg entities.SessionConfig) *TurnDetection {
	switch cfg.TurnDetection {
	case entities.TurnDetectionFixed:
		return &TurnDetection{
			Type:              "server_vad",
			Threshold:         defaultTuning.threshold,
			PrefixPaddingMs:   defaultTuning.prefixMs,
			SilenceDurationMs: defaultTuning.silenceMs,
			CreateResponse:    true,
			InterruptResponse: true,
		}
	case entities.TurnDetectionSemantic:
		eagerness := cfg.Eagerness
		if eagerness == "" {
			eagerness = entities.EagernessMedium
		}
		tuning, ok := semanticTuning[eagerness]
		if !ok {
			tuning = defaultTuning
		}
		return &TurnDetection{
			Type:              "semantic_vad",
			Threshold:         tuning.threshold,
			PrefixPaddingMs:   tuning.prefixMs,
			SilenceDurationMs: tuning.silenceMs,
			Eagerness:         string(eagerness),
			CreateResponse:    true,
			InterruptResponse: true,
		}
	default:
		return nil
	}
}
