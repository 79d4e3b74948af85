package core

import (
	"github.com/care/fallguard/internal/types"
)

// FrameSource provides decoded detection frames
type FrameSource interface {
	// Frames returns a channel of frames
	Frames() <-chan types.FrameMessage
}
