package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/models"
)

// WSDialer dials the gateway websocket endpoint, presenting the identity
// as a signed bearer token.
type WSDialer struct {
	BaseURL  string // e.g. ws://gateway:8080
	Secret   []byte
	TokenTTL time.Duration
}

func NewWSDialer(baseURL string, secret []byte) *WSDialer {
	return &WSDialer{BaseURL: baseURL, Secret: secret, TokenTTL: 24 * time.Hour}
}

func (d *WSDialer) Dial(ctx context.Context, identity models.Identity) (Socket, error) {
	token, err := SignIdentity(identity, d.Secret, d.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign identity: %w", err)
	}
	url := fmt.Sprintf("%s/ws/%s/%s", d.BaseURL, identity.Role, identity.DeviceID)
	header := http.Header{"Authorization": {"Bearer " + token}}
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: c}, nil
}

type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; gorilla allows one concurrent writer
}

func (s *wsSocket) ReadEnvelope() (events.Envelope, error) {
	var env events.Envelope
	err := s.conn.ReadJSON(&env)
	return env, err
}

func (s *wsSocket) WriteEnvelope(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *wsSocket) Close() error { return s.conn.Close() }

// SignIdentity issues the HS256 token the gateway checks on the handshake.
func SignIdentity(identity models.Identity, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"device_id": identity.DeviceID,
		"role":      string(identity.Role),
		"exp":       time.Now().Add(ttl).Unix(),
		"iat":       time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyIdentity parses the token and returns the identity it carries.
func VerifyIdentity(token string, secret []byte) (models.Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return models.Identity{}, fmt.Errorf("invalid token")
	}
	device, _ := claims["device_id"].(string)
	role, _ := claims["role"].(string)
	if device == "" || (role != string(models.RoleCustomer) && role != string(models.RoleWorker)) {
		return models.Identity{}, fmt.Errorf("malformed identity claims")
	}
	return models.Identity{DeviceID: device, Role: models.Role(role)}, nil
}
