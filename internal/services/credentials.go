package services

import (
	"context"

	"chargehub/internal/repo"
)

type CardStatus string

const (
	CardUnknown  CardStatus = "unknown"
	CardAllowed  CardStatus = "allowed"
	CardRejected CardStatus = "rejected"
)

// CredentialValidator decides whether an idTag may charge.
type CredentialValidator interface {
	Validate(ctx context.Context, idTag string) (CardStatus, error)
}

// AllowAll is used when no card allow-list is configured.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string) (CardStatus, error) { return CardUnknown, nil }

// CardTable checks idTags against the active RFID cards in storage.
type CardTable struct {
	Cards repo.CardStore
}

func (c CardTable) Validate(ctx context.Context, idTag string) (CardStatus, error) {
	if idTag == "" {
		return CardUnknown, nil
	}
	ok, err := c.Cards.ActiveCardExists(ctx, idTag)
	if err != nil {
		return "", err
	}
	if !ok {
		return CardRejected, nil
	}
	return CardAllowed, nil
}
