package main

import (
	"context"
	"fmt"
	"log/slog"

	"sensorhub/internal/config"
	"sensorhub/internal/system"
	"sensorhub/internal/transaction"
)

// provision registers the configured systems and brings their command
// streams in line with the configuration. A stream whose schema changed
// gets a new version; an unchanged one is left alone.
func provision(ctx context.Context, reg *system.Registry, mgr *transaction.Manager, systems []config.SystemConfig, logger *slog.Logger) error {
	for _, sc := range systems {
		vt, err := sc.ValidTime()
		if err != nil {
			return err
		}
		if _, err := reg.Register(sc.UID, sc.Name, vt); err != nil {
			return fmt.Errorf("register system %s: %w", sc.UID, err)
		}
		sys := mgr.System(sc.UID)
		for _, stc := range sc.CommandStreams {
			info := stc.Info()
			current, err := mgr.FindCommandStream(ctx, sc.UID, stc.ControlInput)
			if err != nil {
				return err
			}
			var h *transaction.CommandStreamHandler
			if current == nil {
				h, err = sys.AddCommandStream(ctx, info)
			} else {
				h, err = sys.AddOrUpdateCommandStream(ctx, stc.ControlInput, info.RecordStructure, info.RecordEncoding)
			}
			if err != nil {
				return fmt.Errorf("provision %s/%s: %w", sc.UID, stc.ControlInput, err)
			}
			logger.Debug("command stream ready", "system_uid", sc.UID, "control_input", stc.ControlInput, "stream_key", h.Key().String())
		}
	}
	return nil
}
