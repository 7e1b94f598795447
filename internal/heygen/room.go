package heygen

import (
	"context"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// Room is a joined media room.
type Room interface {
	Disconnect()
}

// RoomHandler receives media room events. Handlers may be called from SDK
// goroutines, including before Join returns.
type RoomHandler struct {
	// OnTrack fires for every subscribed remote track. source is the SDK
	// track object.
	OnTrack func(info avatar.TrackInfo, source any)
	// OnDisconnected fires when the room connection ends.
	OnDisconnected func()
}

// RoomJoiner joins the media room of a streaming session.
type RoomJoiner interface {
	Join(ctx context.Context, url, token string, h RoomHandler) (Room, error)
}

// LiveKitJoiner joins rooms with the LiveKit Go SDK.
type LiveKitJoiner struct {
	logger zerolog.Logger
}

// NewLiveKitJoiner creates a LiveKit room joiner
func NewLiveKitJoiner(logger zerolog.Logger) *LiveKitJoiner {
	return &LiveKitJoiner{
		logger: logger.With().Str("component", "livekit").Logger(),
	}
}

// Join connects to the room with an access token issued by the streaming
// API. If ctx ends first the late room is disconnected.
func (j *LiveKitJoiner) Join(ctx context.Context, url, token string, h RoomHandler) (Room, error) {
	cb := &lksdk.RoomCallback{
		OnDisconnected: func() {
			j.logger.Info().Msg("LiveKit room disconnected")
			if h.OnDisconnected != nil {
				h.OnDisconnected()
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				info := trackInfo(track)
				j.logger.Debug().
					Str("track", pub.SID()).
					Str("participant", rp.Identity()).
					Str("kind", info.Kind).
					Str("codec", info.Codec).
					Msg("Remote track subscribed")
				if h.OnTrack != nil {
					h.OnTrack(info, track)
				}
			},
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb)
		ch <- result{room: room, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("join room: %w", r.err)
		}
		j.logger.Info().Str("room", r.room.Name()).Msg("Joined LiveKit room")
		return r.room, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func trackInfo(track *webrtc.TrackRemote) avatar.TrackInfo {
	kind := "video"
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = "audio"
	}
	return avatar.TrackInfo{
		ID:    track.ID(),
		Kind:  kind,
		Codec: track.Codec().MimeType,
	}
}
