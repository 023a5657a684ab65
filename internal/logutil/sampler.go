package logutil

import (
	"github.com/rs/zerolog"
)

// LevelSampler passes through events at or above Level and drops the rest.
// The daemon installs it to silence debug chatter outside debug mode.
type LevelSampler struct {
	Level zerolog.Level
}

func (l LevelSampler) Sample(lvl zerolog.Level) bool {
	return lvl >= l.Level
}
