package engine

import (
	"context"
	"encoding/json"
	"log/slog"
)

const cancelTopic = "cancel"

type cancelMessage struct {
	Session string `json:"session"`
	Request string `json:"request"`
}

func (e *Engine) forwardCancel(ctx context.Context, sessionID, reqID string) {
	if e.broker == nil {
		return
	}
	b, err := json.Marshal(cancelMessage{Session: sessionID, Request: reqID})
	if err != nil {
		return
	}
	if _, err := e.broker.Publish(ctx, cancelTopic, b); err != nil {
		e.log.WarnContext(ctx, "engine.cancel.forward.fail", slog.String("err", err.Error()))
		return
	}
	e.log.DebugContext(ctx, "engine.cancel.forward.ok", slog.String("request_id", reqID))
}

// RelayCancellations applies cancellations forwarded by other engines until
// ctx is done. It returns nil when no broker is configured.
func (e *Engine) RelayCancellations(ctx context.Context) error {
	if e.broker == nil {
		return nil
	}
	stream, err := e.broker.Subscribe(ctx, cancelTopic)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg cancelMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			e.log.WarnContext(ctx, "engine.cancel.relay.invalid", slog.String("event_id", env.ID))
			continue
		}
		if e.cancelCall(msg.Session, msg.Request) {
			e.log.InfoContext(ctx, "engine.cancel.relay.ok", slog.String("session_id", msg.Session), slog.String("request_id", msg.Request))
		}
	}
}
