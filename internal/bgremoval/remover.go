package bgremoval

import (
	"context"
	"errors"
	"image"
)

// ErrNoResult signals that a remover produced no image.
var ErrNoResult = errors.New("background removal produced no result")

// Remover strips the background from a product photo, returning an image
// with an alpha channel.
type Remover interface {
	RemoveBackground(ctx context.Context, img image.Image) (image.Image, error)
}

// Prober is implemented by removers that depend on a remote service.
type Prober interface {
	Available(ctx context.Context) bool
}

const (
	StrategyRemote = "remote"
	StrategyLocal  = "local"
)
