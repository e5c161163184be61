package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
	"github.com/satriahrh/voxbridge/internal/auth"
	"github.com/satriahrh/voxbridge/internal/telephony"
)

// Resolved is everything a session needs from the start event
type Resolved struct {
	BusinessID   string
	AgentType    string
	CallerNumber string
	Direction    entities.CallDirection
	Config       entities.SessionConfig
}

// Resolver turns a telephony start event into a session configuration
type Resolver interface {
	Resolve(ctx context.Context, start *telephony.Start) (*Resolved, error)
}

// ConfigResolver layers a signed outbound config over the business agent
// profile over the service defaults.
type ConfigResolver struct {
	Profiles repositories.ProfileSource
	// Issuer validates stream tokens and signed session configs; optional
	Issuer       *auth.TokenIssuer
	RequireToken bool
	Defaults     entities.SessionConfig
	// Tools is the manifest used when no layer names its own
	Tools  []entities.ToolDefinition
	Logger *zap.Logger
}

func configError(op string, err error) error {
	return entities.NewSessionError(entities.ErrorKindConfiguration, op, err)
}

// Resolve implements Resolver
func (r *ConfigResolver) Resolve(ctx context.Context, start *telephony.Start) (*Resolved, error) {
	params := start.CustomParameters
	res := &Resolved{
		BusinessID:   params[telephony.ParamBusinessID],
		AgentType:    params[telephony.ParamAgentType],
		CallerNumber: params[telephony.ParamCallerNumber],
		Direction:    entities.CallDirectionInbound,
	}
	if strings.EqualFold(params[telephony.ParamDirection], string(entities.CallDirectionOutbound)) {
		res.Direction = entities.CallDirectionOutbound
	}

	if token := params[telephony.ParamToken]; token != "" || r.RequireToken {
		if r.Issuer == nil {
			return nil, configError("authorize", fmt.Errorf("stream token verification is not configured"))
		}
		claims, err := r.Issuer.ValidateStreamToken(token)
		if err != nil {
			return nil, configError("authorize", err)
		}
		res.BusinessID = claims.BusinessID
		if claims.AgentType != "" {
			res.AgentType = claims.AgentType
		}
	}

	cfg := r.Defaults
	if r.Profiles != nil && res.BusinessID != "" {
		profile, err := r.Profiles.GetAgentProfile(ctx, res.BusinessID, res.AgentType)
		if err != nil {
			return nil, configError("profile", err)
		}
		cfg = cfg.Merge(profile.Config)
	}

	if blob := params[telephony.ParamSessionConfig]; blob != "" {
		override, err := r.decodeSessionConfig(blob, res.BusinessID)
		if err != nil {
			return nil, configError("session config", err)
		}
		cfg = cfg.Merge(override)
		if params[telephony.ParamDirection] == "" {
			res.Direction = entities.CallDirectionOutbound
		}
	}

	if len(cfg.Tools) == 0 {
		cfg.Tools = r.Tools
	}
	if cfg.Greeting != "" {
		cfg.Instructions = strings.TrimSpace(cfg.Instructions + "\n\nBegin the call by saying: " + cfg.Greeting)
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError("validate", err)
	}
	res.Config = cfg

	if r.Logger != nil {
		r.Logger.Debug("Resolved session config",
			zap.String("businessID", res.BusinessID),
			zap.String("agentType", res.AgentType),
			zap.String("direction", string(res.Direction)),
			zap.Int("tools", len(cfg.Tools)))
	}
	return res, nil
}

// decodeSessionConfig accepts a signed token or base64 encoded JSON
func (r *ConfigResolver) decodeSessionConfig(blob, businessID string) (entities.SessionConfig, error) {
	if strings.Count(blob, ".") == 2 {
		if r.Issuer == nil {
			return entities.SessionConfig{}, fmt.Errorf("signed session config cannot be verified")
		}
		claims, err := r.Issuer.ParseSessionConfig(blob)
		if err != nil {
			return entities.SessionConfig{}, err
		}
		if businessID != "" && claims.BusinessID != "" && claims.BusinessID != businessID {
			return entities.SessionConfig{}, fmt.Errorf("session config issued for business %s", claims.BusinessID)
		}
		return claims.Config, nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(blob, "="))
		if err != nil {
			return entities.SessionConfig{}, fmt.Errorf("failed to decode session config: %w", err)
		}
	}
	var cfg entities.SessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return entities.SessionConfig{}, fmt.Errorf("failed to parse session config: %w", err)
	}
	return cfg, nil
}
