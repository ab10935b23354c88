package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://discord.com/api/v10"

// Client is the struct that provides interactivity with discord
type Client struct {
	appID      string
	token      string // The secret token
	baseURL    string
	httpClient *http.Client

	l *zap.SugaredLogger
}

type ClientConfig struct {
	AppID string
	Token string
	// Defaults to the v10 api
	BaseURL string
}

// NewClient produces a new client with the given config
func NewClient(c ClientConfig, l *zap.SugaredLogger) *Client {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		appID:   c.AppID,
		token:   c.Token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		l: l,
	}
}

func (c *Client) setupRequest(r *http.Request) {
	r.Header.Add("Authorization", fmt.Sprintf("Bot %s", c.token))
	r.Header.Add("Content-Type", "application/json")
}

// RegisterCommands reaches out to discord to replace the guild's commands with
// every command supported by the app
func (c *Client) RegisterCommands(ctx context.Context, guildID string) error {
	byts, err := json.Marshal(Commands())
	if err != nil {
		return fmt.Errorf("error marshalling commands: %w", err)
	}

	u := fmt.Sprintf("%s/applications/%s/guilds/%s/commands", c.baseURL, c.appID, guildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(byts))
	if err != nil {
		return fmt.Errorf("error creating request to overwrite commands: %w", err)
	}
	c.setupRequest(req)

	c.l.Debugw("calling to register commands", "url", u)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		er, err := readErr(res.Body, res.StatusCode)
		if err != nil {
			return fmt.Errorf("error reading error from body: %w", err)
		}

		c.l.Errorw("received error response from api", "err", er, "status_code", res.StatusCode)
		return er
	}

	var registered []registeredCommand
	if err := json.NewDecoder(res.Body).Decode(&registered); err != nil {
		return fmt.Errorf("error reading from response body: %w", err)
	}

	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	c.l.Infow("successfully registered guild commands", "guild_id", guildID, "commands", names)

	return nil
}

// What discord sends back for each command, trimmed to what we log
type registeredCommand struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
