package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"securechat/internal/apperror"
	"securechat/internal/crypto"
	"securechat/internal/room"
)

// API talks to the relay's REST endpoints.
type API struct {
	Base string
	HTTP *http.Client
}

// NewAPI returns a client for the relay at base, e.g. http://localhost:9090.
func NewAPI(base string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{Base: strings.TrimRight(base, "/"), HTTP: httpClient}
}

// CreateRoom registers a new room owned by creatorKey.
func (a *API) CreateRoom(ctx context.Context, name string, creatorKey crypto.JWK) (*room.Created, error) {
	var out room.Created
	in := map[string]any{"roomName": name, "creatorPublicKey": creatorKey}
	if err := a.post(ctx, "/api/rooms", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateJoin checks a passkey and returns the room description.
func (a *API) ValidateJoin(ctx context.Context, roomID, passkey string) (*room.Description, error) {
	var out room.Description
	in := map[string]string{"roomId": roomID, "passkey": passkey}
	if err := a.post(ctx, "/api/rooms/join", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WebSocketURL is the relay's websocket endpoint.
func (a *API) WebSocketURL() (string, error) {
	u, err := url.Parse(a.Base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type errorBody struct {
	Error struct {
		Code    apperror.Code `json:"code"`
		Message string        `json:"message"`
	} `json:"error"`
}

func (a *API) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.CodeTransportUnavailable, "relay unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code == "" {
			return apperror.New(apperror.CodeInternal, fmt.Sprintf("relay post %s: %s", path, resp.Status))
		}
		return apperror.New(body.Error.Code, body.Error.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
