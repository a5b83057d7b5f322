package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/models"
	"github.com/CareBridge/CareBridge/internal/store"
)

// SendOutbounds sends a message's outbound fan-out through the adapter in
// the channel's configured order and records the vendor-id substitution for
// every persisted message that got a confirmed external id. Sends are
// sequential: several vendors deliver out of order when requests overlap,
// and the reply chain depends on delivery order.
func (d *Dispatcher) SendOutbounds(ctx context.Context, adapter channel.Adapter, outs []models.Outbound, batch *store.Batch) error {
	ordering := d.cfg.OrderingFor(adapter.Name())
	for _, out := range orderOutbounds(outs, ordering) {
		reqs, err := adapter.BuildOutbound(out)
		if err != nil {
			return fmt.Errorf("failed to build outbound %s: %w", out.Msg.ID, err)
		}
		if !ordering.AudioBeforeTaggedText {
			reqs = audioLast(reqs)
		}
		var vendorID string
		for _, req := range reqs {
			res, err := adapter.Send(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to send %s: %w", out.Msg.ID, err)
			}
			if req.Final {
				vendorID = res.VendorID
			}
		}
		if vendorID != "" && vendorID != out.Msg.ID && out.Msg.Category != models.CategoryReadReceipt {
			batch.Substitutions = append(batch.Substitutions, store.Substitution{OldID: out.Msg.ID, NewID: vendorID})
		} else if vendorID == "" && out.Msg.Category != models.CategoryReadReceipt {
			slog.Warn("Dispatcher send returned no vendor id, keeping provisional",
				"messageID", out.Msg.ID, "channel", adapter.Name())
		}
	}
	return nil
}

// orderOutbounds arranges a message's fan-out for sending: read receipts
// (when the channel wants them first), then expert acknowledgements, then
// substantive messages, each group in original order.
func orderOutbounds(outs []models.Outbound, ordering config.Ordering) []models.Outbound {
	if len(outs) < 2 {
		return outs
	}
	rank := func(o models.Outbound) int {
		switch o.Msg.Category {
		case models.CategoryReadReceipt:
			if ordering.ReceiptsFirst {
				return 0
			}
			return 1
		case models.CategoryBotToExpert:
			return 1
		default:
			return 2
		}
	}
	ordered := make([]models.Outbound, 0, len(outs))
	for r := 0; r <= 2; r++ {
		for _, o := range outs {
			if rank(o) == r {
				ordered = append(ordered, o)
			}
		}
	}
	return ordered
}

// audioLast moves audio requests after text so channels without the
// audio-first quirk deliver the tagged text immediately.
func audioLast(reqs []channel.Request) []channel.Request {
	var text, audio []channel.Request
	for _, r := range reqs {
		if r.Kind == models.KindAudio {
			audio = append(audio, r)
		} else {
			text = append(text, r)
		}
	}
	return append(text, audio...)
}
