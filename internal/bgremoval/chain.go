package bgremoval

import (
	"context"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/thumbforge/internal/config"
)

// Chain picks the primary remover when its availability probe passes and
// falls back to the secondary one on any primary failure. There are no
// retries.
type Chain struct {
	primary  Remover
	fallback Remover
	logger   *zap.Logger
}

func NewChain(primary, fallback Remover, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{primary: primary, fallback: fallback, logger: logger}
}

func (c *Chain) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	out, _, err := c.Remove(ctx, img)
	return out, err
}

// Remove is RemoveBackground that also names the strategy that produced
// the result.
func (c *Chain) Remove(ctx context.Context, img image.Image) (image.Image, string, error) {
	if c.primary != nil && c.primaryAvailable(ctx) {
		out, err := c.primary.RemoveBackground(ctx, img)
		if err == nil && out != nil {
			return out, StrategyRemote, nil
		}
		c.logger.Warn("remote background removal failed, using local fallback", zap.Error(err))
	}

	if c.fallback == nil {
		return nil, "", ErrNoResult
	}
	out, err := c.fallback.RemoveBackground(ctx, img)
	if err != nil {
		return nil, "", fmt.Errorf("local background removal: %w", err)
	}
	if out == nil {
		return nil, "", ErrNoResult
	}
	return out, StrategyLocal, nil
}

func (c *Chain) primaryAvailable(ctx context.Context) bool {
	p, ok := c.primary.(Prober)
	if !ok {
		return true
	}
	return p.Available(ctx)
}

// NewChainFromConfig prefers the remote service when an endpoint is
// configured and always keeps the local keyer as fallback.
func NewChainFromConfig(cfg config.RemoveBGConfig, logger *zap.Logger) *Chain {
	var primary Remover
	if strings.TrimSpace(cfg.Endpoint) != "" {
		primary = NewHTTPRemover(HTTPConfig{
			Endpoint:   cfg.Endpoint,
			HealthPath: cfg.HealthPath,
			Timeout:    cfg.Timeout,
		})
	}
	return NewChain(primary, NewLocalRemover(cfg.Tolerance), logger)
}
