package main

import (
	"context"
	"errors"
	"time"

	router "github.com/dkeye/ClinicCall/internal/adapters/http"
	"github.com/dkeye/ClinicCall/internal/adapters/rtc"
	"github.com/dkeye/ClinicCall/internal/client"
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type dialOptions struct {
	user        string
	name        string
	url         string
	token       string
	room        string
	call        string
	callType    string
	autoAccept  bool
	hangupAfter time.Duration
}

func buildDialCmd() *cobra.Command {
	var o dialOptions
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Run a headless client with synthetic media",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDial(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.user, "user", "", "User id to register as")
	f.StringVar(&o.name, "name", "", "Display name")
	f.StringVar(&o.url, "url", "", "Signaling endpoint (default client.url)")
	f.StringVar(&o.token, "token", "", "Identity token; issued from auth.jwt_secret when empty")
	f.StringVar(&o.room, "room", "", "Room to join")
	f.StringVar(&o.call, "call", "", "User id to call once connected")
	f.StringVar(&o.callType, "type", "video", "Call type: audio or video")
	f.BoolVar(&o.autoAccept, "accept", true, "Accept incoming calls")
	f.DurationVar(&o.hangupAfter, "hangup-after", 0, "Hang up this long after connecting")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runDial(ctx context.Context, o dialOptions) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	uid, err := domain.ParseUserID(o.user)
	if err != nil {
		return err
	}
	typ, err := domain.ParseCallType(o.callType)
	if err != nil {
		return err
	}
	url := o.url
	if url == "" {
		url = cfg.Client.URL
	}
	token := o.token
	if auth := router.NewAuthenticator(cfg.Auth.JWTSecret); token == "" && auth != nil {
		if token, err = auth.Issue(uid, time.Hour); err != nil {
			return err
		}
	}
	peers, err := rtc.NewFactory(rtc.Config{ICEServers: cfg.ICEServers})
	if err != nil {
		return err
	}
	name := o.name
	if name == "" {
		name = o.user
	}

	c := client.New(ctx, client.Options{
		UserID:   uid,
		UserData: domain.UserData{"name": name},
		Dial:     client.Dialer(url, token),
		Peers:    peers,
		Media:    rtc.SyntheticSource{},
		Reconnect: client.ReconnectOptions{
			MaxAttempts:     cfg.Client.MaxAttempts,
			InitialInterval: cfg.Client.InitialBackoff,
			MaxInterval:     cfg.Client.MaxBackoff,
		},
	})
	c.OnRoom(func(room domain.RoomName, members []core.MemberDTO) {
		log.Info().Str("module", "dial").Str("room", string(room)).Int("members", len(members)).Msg("room")
	})

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	// Observers run on the client loop; calls back into the client go async.
	err = c.Subscribe(ctx, func(s client.Snapshot) {
		ev := log.Info().Str("module", "dial").Str("state", string(s.State)).Str("call", string(s.CallID)).Str("peer", string(s.Peer))
		if s.Reason != "" {
			ev = ev.Str("reason", s.Reason)
		}
		if s.Err != nil {
			ev = ev.AnErr("cause", s.Err)
		}
		ev.Msg("call")

		switch {
		case s.State == client.StateConnecting && s.Incoming && o.autoAccept:
			go func() { _ = c.Accept(ctx) }()
		case s.State == client.StateConnected && o.hangupAfter > 0:
			time.AfterFunc(o.hangupAfter, func() { _ = c.Hangup(ctx) })
		case s.State.Terminal():
			go func() { _ = c.Acknowledge(ctx) }()
		}
	})
	if err != nil {
		return err
	}

	if err := awaitLink(ctx, c); err != nil {
		return err
	}
	if o.room != "" {
		room, err := domain.ParseRoomName(o.room)
		if err != nil {
			return err
		}
		if err := c.JoinRoom(room); err != nil && !errors.Is(err, client.ErrNotConnected) {
			return err
		}
	}
	if o.call != "" {
		peer, err := domain.ParseUserID(o.call)
		if err != nil {
			return err
		}
		if err := c.Call(ctx, peer, typ); err != nil {
			return err
		}
	}

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func awaitLink(ctx context.Context, c *client.Client) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		switch s, err := c.Link(); s {
		case client.LinkConnected:
			return nil
		case client.LinkFailed:
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
