package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/marketplace/internal/domain"
	pfirestore "github.com/hanko-field/marketplace/internal/platform/firestore"
	"github.com/hanko-field/marketplace/internal/repositories"
)

// UserRepository persists buyer and seller profiles in Firestore.
type UserRepository struct {
	users    *pfirestore.Collection[userDocument]
	provider *pfirestore.Provider
	clock    func() time.Time
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		users:    pfirestore.NewCollection[userDocument](provider, userCollection),
		provider: provider,
		clock:    time.Now,
	}, nil
}

// FindByID loads the user profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.users == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return doc.toDomain(userID), nil
}

// ReserveFreeSale takes one free sale inside a transaction. Two sales racing for the last free
// sale serialise on the seller document, so only one of them sees a positive allowance.
func (r *UserRepository) ReserveFreeSale(ctx context.Context, sellerID string) (int, bool, error) {
	if r == nil || r.provider == nil {
		return 0, false, errors.New("user repository not initialised")
	}
	docRef, err := r.users.DocumentRef(ctx, strings.TrimSpace(sellerID))
	if err != nil {
		return 0, false, err
	}

	var (
		remaining int
		reserved  bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		remaining, reserved = 0, false
		doc, err := r.users.GetTx(tx, docRef)
		if err != nil {
			return err
		}
		if doc.FreeSales <= 0 {
			return nil
		}
		remaining, reserved = doc.FreeSales-1, true
		return tx.Update(docRef, []firestore.Update{
			{Path: "freeSales", Value: remaining},
			{Path: "updatedAt", Value: r.clock().UTC()},
		})
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, reserved, nil
}

// ReleaseFreeSale gives back a free sale taken by ReserveFreeSale.
func (r *UserRepository) ReleaseFreeSale(ctx context.Context, sellerID string) error {
	if r == nil || r.provider == nil {
		return errors.New("user repository not initialised")
	}
	docRef, err := r.users.DocumentRef(ctx, strings.TrimSpace(sellerID))
	if err != nil {
		return err
	}
	_, err = docRef.Update(ctx, []firestore.Update{
		{Path: "freeSales", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: r.clock().UTC()},
	})
	return err
}
