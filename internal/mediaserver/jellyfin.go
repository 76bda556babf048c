// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package mediaserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/models"
)

// ticksPerMs converts Jellyfin ticks (100ns) to milliseconds.
const ticksPerMs = 10_000

// jellyfinSession is the subset of GET /Sessions used for detection.
type jellyfinSession struct {
	ID                  string `json:"Id"`
	Client              string `json:"Client"`
	DeviceID            string `json:"DeviceId"`
	DeviceName          string `json:"DeviceName"`
	DeviceType          string `json:"DeviceType"`
	UserID              string `json:"UserId"`
	UserName            string `json:"UserName"`
	UserPrimaryImageTag string `json:"UserPrimaryImageTag,omitempty"`
	RemoteEndPoint      string `json:"RemoteEndPoint"`

	NowPlayingItem *struct {
		ID           string `json:"Id"`
		Name         string `json:"Name"`
		Type         string `json:"Type"`
		SeriesName   string `json:"SeriesName,omitempty"`
		RunTimeTicks int64  `json:"RunTimeTicks"`
		Height       int    `json:"Height,omitempty"`
	} `json:"NowPlayingItem,omitempty"`

	PlayState *struct {
		PositionTicks int64  `json:"PositionTicks"`
		IsPaused      bool   `json:"IsPaused"`
		PlayMethod    string `json:"PlayMethod,omitempty"`
	} `json:"PlayState,omitempty"`

	TranscodingInfo *struct {
		IsVideoDirect bool `json:"IsVideoDirect"`
		Bitrate       int  `json:"Bitrate,omitempty"`
		Height        int  `json:"Height,omitempty"`
	} `json:"TranscodingInfo,omitempty"`
}

// JellyfinAdapter reads live sessions from a Jellyfin server.
type JellyfinAdapter struct {
	serverID string
	client   *apiClient
}

var _ Adapter = (*JellyfinAdapter)(nil)

// NewJellyfinAdapter creates an adapter authenticating with an API key.
func NewJellyfinAdapter(serverID, baseURL, apiKey string) *JellyfinAdapter {
	return &JellyfinAdapter{
		serverID: serverID,
		client: newAPIClient(baseURL, func(r *http.Request) {
			r.Header.Set("X-Emby-Token", apiKey)
			r.Header.Set("X-Emby-Client", "Sharewatch")
			r.Header.Set("X-Emby-Device-Name", "Sharewatch")
			r.Header.Set("X-Emby-Device-Id", "sharewatch")
		}),
	}
}

// ServerID returns the configured server id.
func (j *JellyfinAdapter) ServerID() string { return j.serverID }

// Type returns "jellyfin".
func (j *JellyfinAdapter) Type() string { return config.ServerTypeJellyfin }

// GetSessions fetches /Sessions and keeps those with something playing.
func (j *JellyfinAdapter) GetSessions(ctx context.Context) ([]models.RawSession, error) {
	var sessions []jellyfinSession
	if err := j.client.do(ctx, requestConfig{method: http.MethodGet, path: "/Sessions"}, &sessions); err != nil {
		return nil, err
	}

	out := make([]models.RawSession, 0, len(sessions))
	for i := range sessions {
		if sessions[i].NowPlayingItem == nil {
			continue
		}
		out = append(out, normalizeJellyfin(&sessions[i]))
	}
	return out, nil
}

func normalizeJellyfin(js *jellyfinSession) models.RawSession {
	item := js.NowPlayingItem
	raw := models.RawSession{
		SessionKey:     js.ID,
		ExternalUserID: js.UserID,
		Username:       js.UserName,
		RatingKey:      item.ID,
		MediaType:      jellyfinMediaType(item.Type),
		Title:          item.Name,
		DurationMs:     item.RunTimeTicks / ticksPerMs,
		State:          "playing",
		IPAddress:      hostOnly(js.RemoteEndPoint),
		Device:         js.DeviceName,
		DeviceID:       js.DeviceID,
		Platform:       js.DeviceType,
		Product:        js.Client,
		Player:         js.DeviceName,
		VideoDecision:  models.VideoDecisionDirectPlay,
	}
	if item.SeriesName != "" {
		raw.GrandparentTitle = item.SeriesName
	}
	if js.UserPrimaryImageTag != "" {
		raw.UserThumb = "/Users/" + js.UserID + "/Images/Primary?tag=" + js.UserPrimaryImageTag
	}
	raw.IsLocal = isPrivateIP(raw.IPAddress)

	raw.SourceResolution = resolutionLabel(item.Height)
	raw.StreamResolution = raw.SourceResolution

	if ps := js.PlayState; ps != nil {
		raw.ProgressMs = ps.PositionTicks / ticksPerMs
		if ps.IsPaused {
			raw.State = "paused"
		}
		switch ps.PlayMethod {
		case "Transcode":
			raw.VideoDecision = models.VideoDecisionTranscode
			raw.IsTranscode = true
		case "DirectStream":
			raw.VideoDecision = models.VideoDecisionCopy
		}
	}

	if ti := js.TranscodingInfo; ti != nil {
		if !ti.IsVideoDirect && raw.VideoDecision == models.VideoDecisionDirectPlay {
			raw.VideoDecision = models.VideoDecisionTranscode
			raw.IsTranscode = true
		}
		raw.StreamBitrate = ti.Bitrate
		if label := resolutionLabel(ti.Height); label != "" {
			raw.StreamResolution = label
		}
	}
	return raw
}

func jellyfinMediaType(t string) string {
	switch strings.ToLower(t) {
	case "movie":
		return "movie"
	case "episode":
		return "episode"
	case "audio", "musicvideo":
		return "track"
	default:
		return strings.ToLower(t)
	}
}

// Terminate shows message on the client, then stops playback.
func (j *JellyfinAdapter) Terminate(ctx context.Context, sessionKey, message string) error {
	if message != "" {
		err := j.client.do(ctx, requestConfig{
			method: http.MethodPost,
			path:   "/Sessions/" + sessionKey + "/Message",
			body:   map[string]interface{}{"Header": "Sharewatch", "Text": message, "TimeoutMs": 5000},
			accept: []int{http.StatusOK, http.StatusNoContent},
		}, nil)
		if err != nil {
			logging.Ctx(ctx).Debug().Str("server_id", j.serverID).Err(err).Msg("Failed to send stop message")
		}
	}
	return j.client.do(ctx, requestConfig{
		method: http.MethodPost,
		path:   "/Sessions/" + sessionKey + "/Playing/Stop",
		accept: []int{http.StatusOK, http.StatusNoContent},
	}, nil)
}
