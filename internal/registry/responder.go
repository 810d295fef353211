package registry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/KafClaw/wagate/internal/channels"
	"github.com/KafClaw/wagate/internal/debounce"
	"github.com/KafClaw/wagate/internal/observability"
)

// respond builds the flush handler for one provider handle: show typing,
// generate, clear typing, reply. A failed generation answers with the
// fallback reply; the buffer is already cleared either way.
func (r *Registry) respond(p channels.Provider) debounce.FlushFunc {
	return func(ctx context.Context, f debounce.Flush) {
		log := slog.With("tenant", f.TenantID, "sender", f.SenderID, "trace_id", f.TraceID)

		if r.opts.Silent != nil && r.opts.Silent(f.TenantID) {
			observability.Flushes.WithLabelValues("silent").Inc()
			log.Info("registry: silent mode, reply suppressed", "messages", len(f.Turn))
			return
		}

		if err := p.SendTyping(ctx, f.ChatRef); err != nil {
			log.Debug("registry: typing indicator failed", "error", err)
		}

		reply, err := r.generate(ctx, f)
		result := "ok"
		if err != nil || strings.TrimSpace(reply) == "" {
			log.Warn("registry: reply generation failed, using fallback", "error", err)
			reply = r.opts.FallbackReply
			result = "fallback"
		}

		if err := p.ClearTyping(ctx, f.ChatRef); err != nil {
			log.Debug("registry: clearing typing indicator failed", "error", err)
		}
		if ctx.Err() != nil {
			observability.Flushes.WithLabelValues("cancelled").Inc()
			return
		}
		if err := p.Reply(ctx, f.ChatRef, reply); err != nil {
			log.Warn("registry: reply failed", "error", err)
			result = "reply_failed"
		}
		observability.Flushes.WithLabelValues(result).Inc()
	}
}

func (r *Registry) generate(ctx context.Context, f debounce.Flush) (string, error) {
	if r.opts.Generator == nil {
		return "", nil
	}
	start := r.clock.Now()
	genCtx, cancel := context.WithTimeout(ctx, r.opts.GenerateTimeout)
	defer cancel()
	reply, err := r.opts.Generator.Generate(genCtx, f.Turn, f.SenderID, f.DisplayName, f.TenantID)
	observability.GenerateLatency.Observe(r.clock.Since(start).Seconds())
	return reply, err
}
