// Package token issues LiveKit access tokens for browser participants.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"

	"github.com/loqalabs/loqa-room/internal/config"
)

var ErrNotConfigured = errors.New("token issuance requires livekit api key and secret")

// Grant is an issued token with the names it was minted for.
type Grant struct {
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	Identity  string    `json:"identity"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer struct {
	key        string
	secret     string
	url        string
	roomPrefix string
	ttl        time.Duration
	clock      func() time.Time
}

func NewIssuer(cfg config.RoomConfig) *Issuer {
	return &Issuer{
		key:        cfg.APIKey,
		secret:     cfg.APISecret,
		url:        cfg.URL,
		roomPrefix: cfg.NamePrefix,
		ttl:        time.Duration(cfg.TokenTTLSeconds) * time.Second,
		clock:      time.Now,
	}
}

// Issue mints a token that may join, publish, subscribe and send data in room. Empty room or
// identity get fresh random names.
func (i *Issuer) Issue(room, identity, name string) (Grant, error) {
	if i.key == "" || i.secret == "" {
		return Grant{}, ErrNotConfigured
	}
	if room == "" {
		room = i.roomPrefix + randomSuffix()
	}
	if identity == "" {
		identity = "user-" + randomSuffix()
	}
	if name == "" {
		name = identity
	}

	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)

	at := auth.NewAccessToken(i.key, i.secret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(i.ttl)
	jwt, err := at.ToJWT()
	if err != nil {
		return Grant{}, fmt.Errorf("sign token: %w", err)
	}
	return Grant{
		Token:     jwt,
		Room:      room,
		Identity:  identity,
		URL:       i.url,
		ExpiresAt: i.clock().Add(i.ttl).UTC(),
	}, nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

// Handler serves GET requests with optional room, identity and name query parameters.
func Handler(issuer *Issuer, logger *slog.Logger) http.Handler {
	log := logger.With(slog.String("component", "token"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		q := r.URL.Query()
		grant, err := issuer.Issue(q.Get("room"), q.Get("identity"), q.Get("name"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotConfigured) {
				status = http.StatusServiceUnavailable
			}
			log.Warn("token issuance failed", slog.String("error", err.Error()))
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		log.Info("token issued", slog.String("room", grant.Room), slog.String("identity", grant.Identity))
		writeJSON(w, http.StatusOK, grant)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
