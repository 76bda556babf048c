// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package mediaserver

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/models"
)

// Plex API response structures for GET /status/sessions.
type plexSessionsResponse struct {
	MediaContainer struct {
		Size     int           `json:"size"`
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

type plexSession struct {
	SessionKey       flexString `json:"sessionKey"`
	RatingKey        flexString `json:"ratingKey"`
	Type             string     `json:"type"`
	Title            string     `json:"title"`
	GrandparentTitle string     `json:"grandparentTitle,omitempty"`
	ViewOffset       int64      `json:"viewOffset"`
	Duration         int64      `json:"duration"`

	User *struct {
		ID    flexString `json:"id"`
		Title string     `json:"title"`
		Thumb string     `json:"thumb"`
	} `json:"User,omitempty"`

	Player *struct {
		Address           string `json:"address"`
		Device            string `json:"device"`
		MachineIdentifier string `json:"machineIdentifier"`
		Platform          string `json:"platform"`
		Product           string `json:"product"`
		Title             string `json:"title"`
		State             string `json:"state"`
		Local             bool   `json:"local"`
	} `json:"Player,omitempty"`

	// Session carries the id the terminate endpoint expects.
	Session *struct {
		ID       string `json:"id"`
		Location string `json:"location"`
	} `json:"Session,omitempty"`

	TranscodeSession *struct {
		VideoDecision string `json:"videoDecision"`
		Height        int    `json:"height"`
	} `json:"TranscodeSession,omitempty"`

	Media []struct {
		Bitrate         int    `json:"bitrate"`
		Height          int    `json:"height"`
		VideoResolution string `json:"videoResolution"`
	} `json:"Media,omitempty"`
}

// PlexAdapter reads live sessions from Plex Media Server.
type PlexAdapter struct {
	serverID string
	client   *apiClient

	mu sync.Mutex
	// sessionIDs maps sessionKey to the Plex Session.id of the last fetch.
	sessionIDs map[string]string
}

var _ Adapter = (*PlexAdapter)(nil)

// NewPlexAdapter creates an adapter authenticating with X-Plex-Token.
func NewPlexAdapter(serverID, baseURL, token string) *PlexAdapter {
	return &PlexAdapter{
		serverID: serverID,
		client: newAPIClient(baseURL, func(r *http.Request) {
			r.Header.Set("X-Plex-Token", token)
			r.Header.Set("X-Plex-Product", "Sharewatch")
			r.Header.Set("X-Plex-Client-Identifier", "sharewatch")
		}),
		sessionIDs: make(map[string]string),
	}
}

// ServerID returns the configured server id.
func (p *PlexAdapter) ServerID() string { return p.serverID }

// Type returns "plex".
func (p *PlexAdapter) Type() string { return config.ServerTypePlex }

// GetSessions fetches and normalizes /status/sessions.
func (p *PlexAdapter) GetSessions(ctx context.Context) ([]models.RawSession, error) {
	var resp plexSessionsResponse
	if err := p.client.do(ctx, requestConfig{method: http.MethodGet, path: "/status/sessions"}, &resp); err != nil {
		return nil, err
	}

	out := make([]models.RawSession, 0, len(resp.MediaContainer.Metadata))
	ids := make(map[string]string, len(resp.MediaContainer.Metadata))
	for i := range resp.MediaContainer.Metadata {
		ps := &resp.MediaContainer.Metadata[i]
		raw := normalizePlex(ps)
		if ps.Session != nil && ps.Session.ID != "" {
			ids[raw.SessionKey] = ps.Session.ID
		}
		out = append(out, raw)
	}

	p.mu.Lock()
	p.sessionIDs = ids
	p.mu.Unlock()
	return out, nil
}

func normalizePlex(ps *plexSession) models.RawSession {
	raw := models.RawSession{
		SessionKey:       string(ps.SessionKey),
		RatingKey:        string(ps.RatingKey),
		MediaType:        ps.Type,
		Title:            ps.Title,
		GrandparentTitle: ps.GrandparentTitle,
		ProgressMs:       ps.ViewOffset,
		DurationMs:       ps.Duration,
		VideoDecision:    models.VideoDecisionDirectPlay,
	}

	if ps.User != nil {
		raw.ExternalUserID = string(ps.User.ID)
		raw.Username = ps.User.Title
		raw.UserThumb = ps.User.Thumb
	}

	if ps.Player != nil {
		raw.State = ps.Player.State
		raw.IPAddress = ps.Player.Address
		raw.Device = ps.Player.Device
		raw.DeviceID = ps.Player.MachineIdentifier
		raw.Platform = ps.Player.Platform
		raw.Product = ps.Player.Product
		raw.Player = ps.Player.Title
		raw.IsLocal = ps.Player.Local
	}
	if ps.Session != nil && ps.Session.Location == "lan" {
		raw.IsLocal = true
	}

	if len(ps.Media) > 0 {
		m := ps.Media[0]
		raw.SourceBitrate = m.Bitrate
		raw.SourceResolution = m.VideoResolution
		if raw.SourceResolution == "" {
			raw.SourceResolution = resolutionLabel(m.Height)
		}
		raw.StreamResolution = raw.SourceResolution
		raw.StreamBitrate = m.Bitrate
	}

	if ts := ps.TranscodeSession; ts != nil {
		switch ts.VideoDecision {
		case "transcode":
			raw.VideoDecision = models.VideoDecisionTranscode
			raw.IsTranscode = true
		case "copy":
			raw.VideoDecision = models.VideoDecisionCopy
		}
		if label := resolutionLabel(ts.Height); label != "" {
			raw.StreamResolution = label
		}
	}
	return raw
}

// Terminate stops a playing session via /status/sessions/terminate.
func (p *PlexAdapter) Terminate(ctx context.Context, sessionKey, message string) error {
	p.mu.Lock()
	id, ok := p.sessionIDs[sessionKey]
	p.mu.Unlock()
	if !ok {
		id = sessionKey
	}

	q := url.Values{}
	q.Set("sessionId", id)
	if message != "" {
		q.Set("reason", message)
	}
	return p.client.do(ctx, requestConfig{
		method: http.MethodGet,
		path:   "/status/sessions/terminate",
		query:  q,
		accept: []int{http.StatusOK, http.StatusNoContent},
	}, nil)
}
