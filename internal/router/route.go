package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/adapter"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

// Route selects a transport for cmd and hands the encoded command to it. Candidates are the
// device's last-known protocol, then every other protocol it was heard on; the first
// adapter reporting the device reachable wins. The chosen protocol is returned even when
// delivery fails so the caller can record it.
func (r *Router) Route(ctx context.Context, cmd data.Command) (data.Protocol, error) {
	dev, err := r.registry.Get(cmd.DeviceID)
	if err != nil {
		return "", fmt.Errorf("%w: device %s is not registered", data.ErrNoRouteAvailable, cmd.DeviceID)
	}
	if !dev.HasCapability(cmd.Kind) {
		return "", fmt.Errorf("%w: device %s does not support %q", data.ErrNoRouteAvailable, cmd.DeviceID, cmd.Kind)
	}

	for _, p := range candidates(dev) {
		a, ok := r.adapters.Get(p)
		if !ok || !a.Reachable(dev.ID) {
			continue
		}
		payload, err := a.Encode(cmd)
		if err != nil {
			return p, fmt.Errorf("encode for %s: %w", p, err)
		}
		if err := a.Deliver(ctx, cmd, payload); err != nil {
			return p, fmt.Errorf("deliver over %s: %w", p, err)
		}
		r.logger.Info("Command routed",
			zap.String("command_id", cmd.ID),
			zap.String("device_id", cmd.DeviceID),
			zap.String("protocol", string(p)))
		return p, nil
	}
	return "", fmt.Errorf("%w: no reachable transport for %s", data.ErrNoRouteAvailable, cmd.DeviceID)
}

// Cancel asks the transport that carried cmd to withdraw it if not yet transmitted.
func (r *Router) Cancel(_ context.Context, cmd data.Command) bool {
	a, ok := r.adapters.Get(cmd.Protocol)
	if !ok {
		return false
	}
	s, ok := a.(adapter.Suppressor)
	if !ok {
		return false
	}
	return s.Suppress(cmd.ID)
}

func candidates(dev data.Device) []data.Protocol {
	out := make([]data.Protocol, 0, len(dev.Protocols)+1)
	if dev.LastProtocol != "" {
		out = append(out, dev.LastProtocol)
	}
	for _, p := range dev.Protocols {
		if p != dev.LastProtocol {
			out = append(out, p)
		}
	}
	return out
}
