package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Build struct {
	writer io.Writer
	level  string
	pretty bool
}

func New() *Build {
	return &Build{writer: os.Stdout, level: zerolog.LevelInfoValue}
}

func (b *Build) Level(level string) *Build {
	if level != "" {
		b.level = level
	}
	return b
}

// Pretty switches to the human-readable console format.
func (b *Build) Pretty(pretty bool) *Build {
	b.pretty = pretty
	return b
}

func (b *Build) Writer(w io.Writer) *Build {
	if w != nil {
		b.writer = w
	}
	return b
}

func (b *Build) Make() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(b.level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", b.level, err)
	}

	w := b.writer
	if b.pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
