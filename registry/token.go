package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

var (
	// ErrService means the token endpoint answered but reported an error.
	ErrService = errors.New("token service error")
	// ErrTokenMissing means the response carried neither token field.
	ErrTokenMissing = errors.New("no token in response")
)

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	Errors      []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Token exchanges the image's pull scope for a short-lived bearer token.
// Callers must treat the token as opaque.
func (r *Registry) Token(img *Image) (string, error) {
	u, err := url.Parse(r.AuthURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("service", r.Service)
	q.Set("scope", img.Scope())
	u.RawQuery = q.Encode()

	resp, err := r.Client.Get(u.String())
	if err != nil {
		return "", fmt.Errorf("while request token|%w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("while read token response|%w", err)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("unmarshal token|%w", err)
	}
	if resp.StatusCode != http.StatusOK || len(tok.Errors) > 0 {
		return "", fmt.Errorf("%w: %s %s", ErrService, resp.Status, firstMessage(tok))
	}
	switch {
	case tok.Token != "":
		return tok.Token, nil
	case tok.AccessToken != "":
		return tok.AccessToken, nil
	}
	return "", ErrTokenMissing
}

func firstMessage(t tokenResponse) string {
	if len(t.Errors) == 0 {
		return ""
	}
	return t.Errors[0].Message
}
