package qbo

import (
	"context"
	"errors"
	"strings"
)

var ErrMissingCredentials = errors.New("qbo credentials are required")

const (
	FakeSessionName = "fake-qbo-session"
	FakeRealmID     = "1234567890"
	FakeAccessToken = "fake-access-token"
)

// Session identifies the company file and carries the bearer token used for
// API calls.
type Session struct {
	Name        string
	RealmID     string
	AccessToken string
}

type SessionProvider interface {
	Session(ctx context.Context) (Session, error)
}

// FakeSessionProvider hands out a fixed placeholder session for dry runs.
type FakeSessionProvider struct{}

func (FakeSessionProvider) Session(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	return Session{Name: FakeSessionName, RealmID: FakeRealmID, AccessToken: FakeAccessToken}, nil
}

// StaticSessionProvider returns configured credentials. Token refresh is left
// to whatever writes the configuration.
type StaticSessionProvider struct {
	RealmID     string
	AccessToken string
}

func (p StaticSessionProvider) Session(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	realm := strings.TrimSpace(p.RealmID)
	token := strings.TrimSpace(p.AccessToken)
	if realm == "" || token == "" {
		return Session{}, ErrMissingCredentials
	}
	return Session{Name: "qbo-" + realm, RealmID: realm, AccessToken: token}, nil
}
