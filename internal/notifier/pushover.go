package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const pushoverAPIURL = "https://api.pushover.net/1/messages.json"

// PushoverConfig configures the Pushover delivery channel.
type PushoverConfig struct {
	Token string `json:"token"`
	User  string `json:"user"`
}

// PushoverChannel delivers alerts via the Pushover REST API.
type PushoverChannel struct {
	cfg    PushoverConfig
	client *http.Client
	apiURL string
}

// NewPushoverChannel builds a PushoverChannel from configuration.
func NewPushoverChannel(cfg PushoverConfig) *PushoverChannel {
	return &PushoverChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		apiURL: pushoverAPIURL,
	}
}

func (c *PushoverChannel) send(subject, body string) error {
	form := url.Values{
		"token":   {c.cfg.Token},
		"user":    {c.cfg.User},
		"title":   {subject},
		"message": {body},
	}

	resp, err := c.client.PostForm(c.apiURL, form)
	if err != nil {
		return fmt.Errorf("notifier: pushover post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notifier: pushover API returned status %d", resp.StatusCode)
	}
	return nil
}
