package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/adapters/device"
	"github.com/satriahrh/djsync/server/adapters/transport"
	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/internal/api"
	"github.com/satriahrh/djsync/server/internal/config"
	"github.com/satriahrh/djsync/server/usecase"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg := config.LoadClient()

	role := flag.String("role", "listener", "dj or listener")
	roomID := flag.String("room", cfg.Room, "room to join")
	name := flag.String("name", cfg.Name, "display name")
	autoplay := flag.Bool("autoplay", true, "start playing the first track (dj only)")
	flag.Parse()

	// First, get a member token from the relay
	token, err := requestToken(cfg.RelayURL, *roomID, cfg.MemberID, *name)
	if err != nil {
		logger.Fatal("Failed to get member token", zap.Error(err))
	}
	logger.Info("Joined room",
		zap.String("room", token.Room),
		zap.String("memberID", token.MemberID))

	wsURL, err := socketURL(cfg.RelayURL)
	if err != nil {
		logger.Fatal("Invalid relay URL", zap.String("url", cfg.RelayURL), zap.Error(err))
	}

	tr := transport.NewWebSocket(transport.Options{
		URL:   wsURL,
		Token: token.Token,
		Backoff: transport.Backoff{
			Initial:     cfg.ReconnectInitial,
			Multiplier:  cfg.ReconnectMultiplier,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectAttempts,
		},
	}, logger)

	dev := device.NewSimulated(device.Options{
		LoadDelay:  200 * time.Millisecond,
		EchoOrigin: true,
	}, logger)

	session := usecase.NewSessionService(dev, tr, logger, usecase.SessionOptions{
		MemberID:          token.MemberID,
		SyncThreshold:     cfg.SyncThreshold,
		DriftInterval:     cfg.DriftInterval,
		SuppressionWindow: cfg.SuppressionWindow,
		VolumeDebounce:    cfg.VolumeDebounce,
		TrackEndEpsilon:   cfg.TrackEndEpsilon,
		LeaseTTL:          cfg.LeaseTTL,
		ClockSamples:      cfg.ClockSamples,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch *role {
	case "dj":
		playlist := playlistFromArgs(flag.Args())
		err = session.Create(ctx, usecase.CreateOptions{
			Room:     token.Room,
			Playlist: playlist,
			Autoplay: *autoplay,
		})
	case "listener":
		err = session.Join(ctx, usecase.JoinOptions{Room: token.Room})
	default:
		logger.Fatal("Unknown role", zap.String("role", *role))
	}
	if err != nil {
		logger.Fatal("Failed to start session", zap.String("role", *role), zap.Error(err))
	}

	go reportErrors(ctx, session, logger)
	go reportStatus(ctx, session, logger)

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	logger.Info("Leaving room")
	cancel()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := session.Leave(leaveCtx); err != nil {
		logger.Error("Failed to leave cleanly", zap.Error(err))
	}
}

func requestToken(relayURL, room, memberID, name string) (*api.TokenResponse, error) {
	body, err := json.Marshal(api.TokenRequest{MemberID: memberID, Name: name})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(relayURL, "/") + "/api/v1/rooms/" + url.PathEscape(room) + "/token"
	resp, err := http.Post(endpoint, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed: %s", string(data))
	}

	var token api.TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// socketURL turns the relay's HTTP base URL into its WebSocket endpoint.
func socketURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func playlistFromArgs(urls []string) []entities.Track {
	playlist := make([]entities.Track, 0, len(urls))
	for i, u := range urls {
		playlist = append(playlist, entities.Track{
			ID:    fmt.Sprintf("track-%d", i+1),
			URL:   u,
			Title: path.Base(u),
		})
	}
	return playlist
}

func reportErrors(ctx context.Context, session *usecase.SessionService, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case perr := <-session.Errors():
			logger.Warn("Playback error",
				zap.String("kind", string(perr.Kind)),
				zap.String("track", perr.TrackURL),
				zap.Error(perr))
		}
	}
}

func reportStatus(ctx context.Context, session *usecase.SessionService, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := session.Status()
			logger.Info("Status",
				zap.String("role", string(status.Role)),
				zap.Stringer("state", status.State),
				zap.String("track", status.Snapshot.TrackURL),
				zap.Float64("position", status.EstimatedPosition),
				zap.Bool("connected", status.Connected),
				zap.String("authority", string(status.RoomAuthority)),
				zap.Int64("clockOffsetMs", status.ClockOffsetMs))
		}
	}
}
