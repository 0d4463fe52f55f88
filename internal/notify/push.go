package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/servlink/internal/models"
)

// FCMPusher implements Pusher against the FCM HTTPv1 endpoint, covering
// the backgrounded/killed-app case: the OS shows the notification even
// when the in-app channels cannot.
type FCMPusher struct {
	Endpoint string
	Key      string
	Token    string // device registration token
	Client   *http.Client
}

func NewFCMPusher(endpoint, key, deviceToken string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Token: deviceToken, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(n models.NotificationEvent) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": f.Token,
			"notification": map[string]string{
				"title": n.Title,
				"body":  n.Body,
			},
			"data": map[string]string{
				"id":       n.ID,
				"category": string(n.Category),
				"status":   n.Status,
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fcm push: status %d", resp.StatusCode)
	}
	return nil
}
