package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/messaging"
)

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, runDemo(ctx, messaging.DefaultConfig(), logger, 5, 2))
}
