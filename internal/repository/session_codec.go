package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/sublink/internal/model"
)

// sessionData はセッションのdataカラム（およびRedisの値）に格納するJSON表現。
type sessionData struct {
	OAuthState  string            `json:"oauth_state,omitempty"`
	AccessToken string            `json:"access_token,omitempty"`
	User        *model.GitHubUser `json:"user,omitempty"`
	Repos       []string          `json:"repos,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

func encodeSession(s *model.Session) ([]byte, error) {
	data, err := json.Marshal(sessionData{
		OAuthState:  s.OAuthState,
		AccessToken: s.AccessToken,
		User:        s.User,
		Repos:       s.Repos,
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

func decodeSession(id string, raw []byte) (*model.Session, error) {
	var d sessionData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &model.Session{
		ID:          id,
		OAuthState:  d.OAuthState,
		AccessToken: d.AccessToken,
		User:        d.User,
		Repos:       d.Repos,
		ExpiresAt:   d.ExpiresAt,
		CreatedAt:   d.CreatedAt,
	}, nil
}

// cloneSession はストア外部からの変更が保存済みの値に影響しないようにコピーする。
func cloneSession(s *model.Session) *model.Session {
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	if s.Repos != nil {
		c.Repos = append([]string(nil), s.Repos...)
	}
	return &c
}
