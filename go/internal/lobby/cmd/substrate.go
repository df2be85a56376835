package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/lobbyconfig"
	"github.com/mcdev12/lobby/go/internal/session/memory"
	"github.com/mcdev12/lobby/go/internal/session/natsbus"
	"github.com/mcdev12/lobby/go/internal/transition"
)

// joined is the local member on whichever substrate the config selects.
type joined struct {
	member *countdown.Member
	leave  leaveFunc
	nc     *nats.Conn // nil for the in-memory substrate
}

func setupSubstrate(ctx context.Context, cfg lobbyconfig.Config, launcher countdown.Transitioner) (*joined, error) {
	switch cfg.Substrate {
	case lobbyconfig.SubstrateMemory:
		hub := memory.NewHub(memory.WithSessionID(cfg.Session.ID), memory.WithCapacity(cfg.Session.Capacity))
		member, handle, err := joinHub(hub, cfg.Session.MemberID, launcher, cfg.CountdownConfig())
		if err != nil {
			return nil, err
		}
		go runDemoPeers(ctx, hub, cfg, clockwork.NewRealClock())
		return &joined{member: member, leave: func(context.Context) error { return handle.Leave() }}, nil

	case lobbyconfig.SubstrateNATS:
		natsCfg := cfg.NATSConfig()
		nc, err := natsbus.Connect(natsCfg)
		if err != nil {
			return nil, err
		}
		sess, err := natsbus.Join(ctx, nc, natsCfg, nil)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("join session %s: %w", natsCfg.SessionID, err)
		}
		member := countdown.NewMember(sess, launcher, cfg.CountdownConfig())
		sess.SetListener(member)

		leave := func(ctx context.Context) error {
			defer nc.Close()
			return sess.Leave(ctx)
		}
		return &joined{member: member, leave: leave, nc: nc}, nil
	}
	return nil, fmt.Errorf("unknown substrate %q", cfg.Substrate)
}

func joinHub(hub *memory.Hub, memberID string, launcher countdown.Transitioner, cfg countdown.Config) (*countdown.Member, *memory.Handle, error) {
	handle, err := hub.Join(memberID, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("join in-memory session %s: %w", hub.ID(), err)
	}
	member := countdown.NewMember(handle, launcher, cfg, countdown.WithClock(hub.Clock()))
	handle.SetListener(member)
	return member, handle, nil
}

// runDemoPeers joins simulated members one at a time so the countdown can be
// watched shrinking as the lobby fills up.
func runDemoPeers(ctx context.Context, hub *memory.Hub, cfg lobbyconfig.Config, clock clockwork.Clock) {
	for i := 1; i <= cfg.Demo.Peers; i++ {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(cfg.Demo.JoinEvery):
		}

		id := fmt.Sprintf("peer-%d", i)
		peer, _, err := joinHub(hub, id, transition.LogLauncher{}, cfg.CountdownConfig())
		if err != nil {
			log.Warn().Err(err).Str("member_id", id).Msg("demo peer could not join")
			return
		}
		go func() {
			if err := peer.Run(ctx); err != nil {
				log.Error().Err(err).Str("member_id", id).Msg("demo peer stopped")
			}
		}()
	}
}
