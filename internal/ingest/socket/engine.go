package socket

import (
	"context"
	"fmt"

	"sensorhub/internal/command"
	"sensorhub/internal/ingest"
	"sensorhub/internal/transaction"
)

// Engine serves socket requests. Writes go through the embedded Sink.
type Engine interface {
	ingest.Sink
	CommandStream(ctx context.Context, systemUID, controlInput string) (*transaction.CommandStreamHandler, error)
	StatusHistory(ctx context.Context, systemUID, controlInput, commandID string, limit int) ([]command.StatusEntry, bool, error)
	Health(context.Context) (bool, string)
}

// LocalEngine reads from the transaction manager of this node and writes
// through sink, which may replicate before applying.
type LocalEngine struct {
	ingest.Sink
	mgr *transaction.Manager
}

var _ Engine = (*LocalEngine)(nil)

func NewLocalEngine(mgr *transaction.Manager, sink ingest.Sink) *LocalEngine {
	if sink == nil {
		sink = ingest.NewApplier(mgr)
	}
	return &LocalEngine{Sink: sink, mgr: mgr}
}

func (e *LocalEngine) CommandStream(ctx context.Context, systemUID, controlInput string) (*transaction.CommandStreamHandler, error) {
	return e.mgr.FindCommandStream(ctx, systemUID, controlInput)
}

// StatusHistory reports false when the stream or the command is unknown.
func (e *LocalEngine) StatusHistory(ctx context.Context, systemUID, controlInput, commandID string, limit int) ([]command.StatusEntry, bool, error) {
	h, err := e.mgr.FindCommandStream(ctx, systemUID, controlInput)
	if err != nil || h == nil {
		return nil, false, err
	}
	if _, ok := e.mgr.Database().Commands.FindByRef(h.Key(), commandID); !ok {
		return nil, false, nil
	}
	history, err := h.StatusHistory(ctx, commandID, limit)
	return history, true, err
}

func (e *LocalEngine) Health(ctx context.Context) (bool, string) {
	streams, err := e.mgr.Database().Streams.Len(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("%d command streams", streams)
}
