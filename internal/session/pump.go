package session

import (
	"context"
	"errors"
	"io"
)

// Pump pulls chunks from a source and feeds them to SendChunk until the
// context is cancelled or the source is exhausted. It runs on the caller's
// goroutine; start it with go.
func (s *Session) Pump(ctx context.Context, source ChunkSource, channelName string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := source.ProduceChunk(channelName)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.SendChunk(channelName, chunk); err != nil {
			return err
		}
	}
}
