package core

import (
	"context"
	"time"
)

// superviseLiveness probes every connection each ProbeInterval and terminates
// the ones that did not answer the previous probe.
func (h *Hub) superviseLiveness(ctx context.Context) {
	if h.opts.ProbeInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.probeConnections()
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) probeConnections() {
	stale, probe := h.registry.Expire()
	for _, c := range stale {
		h.log.Info().Str("conn_id", c.ID()).Msg("terminating unresponsive connection")
		c.Terminate()
	}
	for _, c := range probe {
		c.Ping()
	}
}
