// Command meshnode is a headless room participant. It joins the mesh, hosts a
// broadcast or watches one, using synthetic media and the Redis relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/broadcast"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/mesh"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"github.com/mossy-p/webrtc-mesh/internal/screenshare"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type node struct {
	cfg      *config.Config
	log      *zap.Logger
	rdb      *redis.Client
	relay    *signal.Redis
	roster   *roster.Redis
	engines  *peer.PionFactory
	capturer *media.Synthetic
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Node.RoomID == "" || cfg.Node.UserID == "" {
		return errors.New("meshnode: NODE_ROOM_ID and NODE_USER_ID are required")
	}

	log, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("room", cfg.Node.RoomID), zap.String("self", cfg.Node.UserID), zap.String("mode", cfg.Node.Mode))

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := rediskeys.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	engines, err := peer.NewPionFactory(cfg.WebRTC, log)
	if err != nil {
		return err
	}

	n := &node{
		cfg:      cfg,
		log:      log,
		rdb:      rdb,
		relay:    signal.NewRedis(rdb, signal.WithLogger(log), signal.WithAckFlushInterval(cfg.Signal.AckFlushInterval)),
		roster:   roster.NewRedis(rdb, log),
		engines:  engines,
		capturer: media.NewSynthetic(log),
	}
	defer n.relay.Close()

	switch cfg.Node.Mode {
	case "host":
		return n.host(ctx)
	case "viewer":
		return n.view(ctx)
	default:
		return n.mesh(ctx)
	}
}

// mesh joins the room's mesh and logs every view change until interrupted.
func (n *node) mesh(ctx context.Context) error {
	if err := n.announce(ctx, true); err != nil {
		return err
	}

	c, err := mesh.New(mesh.Config{
		RoomID:      n.cfg.Node.RoomID,
		SelfID:      n.cfg.Node.UserID,
		Signals:     n.relay,
		Roster:      n.roster,
		Capturer:    n.capturer,
		Sink:        media.NewDrainSink(n.log),
		Engines:     n.engines,
		Leases:      screenshare.NewRedisLeases(n.rdb, n.log),
		SendTimeout: n.cfg.Signal.SendTimeout,
		Log:         n.log,
	})
	if err != nil {
		return err
	}

	if err := c.Join(ctx); err != nil {
		_ = n.shutdownMesh(c)
		return err
	}
	n.log.Info("joined")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case v := <-c.Updates():
				n.log.Info("view",
					zap.Strings("connected", v.Connected()),
					zap.Int("peers", len(v.Peers)),
					zap.Int("heard", len(v.RemoteAudio)),
					zap.String("sharer", v.ScreenShare.SharerID),
					zap.Bool("muted", v.Muted),
				)
			}
		}
	})
	_ = g.Wait()

	return n.shutdownMesh(c)
}

func (n *node) shutdownMesh(c *mesh.Coordinator) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := c.Leave()
	if aerr := n.announce(ctx, false); aerr != nil {
		n.log.Warn("presence update failed", zap.Error(aerr))
	}
	return errors.Join(err, c.Close(ctx))
}

// announce records the node's presence. A node unknown to the roster asks to
// join and waits for the creator's approval like any participant.
func (n *node) announce(ctx context.Context, present bool) error {
	room, self := n.cfg.Node.RoomID, n.cfg.Node.UserID
	_, err := n.roster.Update(ctx, room, self, func(p *models.Participant) {
		p.IsPresent = present
	})
	if errors.Is(err, roster.ErrNotFound) && present {
		name := n.cfg.Node.DisplayName
		if name == "" {
			name = self
		}
		n.log.Info("requesting to join, awaiting approval")
		return n.roster.Put(ctx, room, models.Participant{UserID: self, DisplayName: name, Status: models.StatusPending, IsPresent: true})
	}
	if errors.Is(err, roster.ErrNotFound) {
		return nil
	}
	return err
}

func (n *node) broadcastConfig() broadcast.Config {
	return broadcast.Config{
		RoomID:      n.cfg.Node.RoomID,
		SelfID:      n.cfg.Node.UserID,
		Signals:     n.relay,
		Offers:      broadcast.NewRedisOffers(n.rdb, n.log),
		Engines:     n.engines,
		SendTimeout: n.cfg.Signal.SendTimeout,
		Log:         n.log,
	}
}

// host broadcasts a synthetic screen until interrupted.
func (n *node) host(ctx context.Context) error {
	h, err := broadcast.NewHost(n.broadcastConfig())
	if err != nil {
		return err
	}

	stream, err := n.capturer.DisplayMedia(ctx, media.Constraints{Audio: true, Video: true})
	if err != nil {
		return err
	}
	defer stream.Stop()

	rec, err := h.Start(ctx, stream)
	if err != nil {
		return err
	}
	n.log.Info("broadcasting", zap.String("epoch", rec.Epoch))

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return h.Close(closeCtx)
		case <-ticker.C:
			n.log.Info("viewers", zap.Strings("connected", h.Viewers()))
		}
	}
}

// view watches the room's broadcast until interrupted.
func (n *node) view(ctx context.Context) error {
	sink := media.NewDrainSink(n.log)
	v, err := broadcast.NewViewer(n.broadcastConfig(), broadcast.ViewerHandlers{
		OnStream: func(s *media.Stream) {
			n.log.Info("broadcast stream", zap.String("stream", s.ID()), zap.Bool("video", s.HasVideo()))
			sink.Attach("broadcast", s)
		},
		OnDisconnect: func() {
			n.log.Info("broadcast ended")
			sink.Release("broadcast")
		},
	})
	if err != nil {
		return err
	}
	defer v.Close()
	return v.Watch(ctx)
}
