package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/larderworks/api/internal/domain"
	pfirestore "github.com/larderworks/api/internal/platform/firestore"
	"github.com/larderworks/api/internal/repositories"
)

type profileDocument struct {
	AccountID *string   `firestore:"accountId"`
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name"`
	Phone     string    `firestore:"phone"`
	Company   string    `firestore:"company"`
	IsGuest   bool      `firestore:"isGuest"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ProfileRepository stores profiles with email and account index documents.
type ProfileRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ProfileRepository = (*ProfileRepository)(nil)

func (r *ProfileRepository) FindByID(ctx context.Context, profileID string) (domain.CustomerProfile, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	doc, err := pfirestore.Get[profileDocument](ctx, "profiles.find_by_id", client.Collection(profilesCollection).Doc(profileID))
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	return doc.toDomain(profileID), nil
}

func (r *ProfileRepository) FindByAccountID(ctx context.Context, accountID string) (domain.CustomerProfile, error) {
	return r.findByIndex(ctx, "profiles.find_by_account", profileAccountsCollection, accountID)
}

func (r *ProfileRepository) FindByEmail(ctx context.Context, email string) (domain.CustomerProfile, error) {
	return r.findByIndex(ctx, "profiles.find_by_email", profileEmailsCollection, emailKey(email))
}

func (r *ProfileRepository) findByIndex(ctx context.Context, op, collection, key string) (domain.CustomerProfile, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	idx, err := pfirestore.Get[profileIndex](ctx, op, client.Collection(collection).Doc(key))
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	return r.FindByID(ctx, idx.ProfileID)
}

func (r *ProfileRepository) Insert(ctx context.Context, profile domain.CustomerProfile) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	doc := fromDomainProfile(profile)
	index := profileIndex{ProfileID: profile.ID}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(client.Collection(profileEmailsCollection).Doc(emailKey(doc.Email)), index); err != nil {
			return err
		}
		if doc.AccountID != nil {
			if err := tx.Create(client.Collection(profileAccountsCollection).Doc(*doc.AccountID), index); err != nil {
				return err
			}
		}
		return tx.Create(client.Collection(profilesCollection).Doc(profile.ID), doc)
	}, pfirestore.WithTxOp("profiles.insert"))
}

func (r *ProfileRepository) UpdateContact(ctx context.Context, profile domain.CustomerProfile) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(profilesCollection).Doc(profile.ID).Update(ctx, []firestore.Update{
		{Path: "name", Value: profile.Name},
		{Path: "phone", Value: profile.Phone},
		{Path: "company", Value: profile.Company},
		{Path: "updatedAt", Value: profile.UpdatedAt},
	})
	return pfirestore.WrapError("profiles.update_contact", err)
}

func (r *ProfileRepository) Promote(ctx context.Context, profileID, accountID string, at time.Time) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	profileRef := client.Collection(profilesCollection).Doc(profileID)
	accountRef := client.Collection(profileAccountsCollection).Doc(accountID)
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := pfirestore.GetTx[profileDocument](tx, "profiles.promote", profileRef)
		if err != nil {
			return err
		}
		if !doc.IsGuest || doc.AccountID != nil {
			return pfirestore.Conflict("profiles.promote", "profile already registered")
		}
		taken, err := pfirestore.Exists(ctx, tx, accountRef)
		if err != nil {
			return err
		}
		if taken {
			return pfirestore.Conflict("profiles.promote", "account already linked")
		}
		if err := tx.Update(profileRef, []firestore.Update{
			{Path: "accountId", Value: accountID},
			{Path: "isGuest", Value: false},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		return tx.Create(accountRef, profileIndex{ProfileID: profileID})
	}, pfirestore.WithTxOp("profiles.promote"))
}

func fromDomainProfile(p domain.CustomerProfile) profileDocument {
	return profileDocument{
		AccountID: p.AccountID,
		Email:     normalizeEmail(p.Email),
		Name:      p.Name,
		Phone:     p.Phone,
		Company:   p.Company,
		IsGuest:   p.IsGuest,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (d profileDocument) toDomain(id string) domain.CustomerProfile {
	return domain.CustomerProfile{
		ID:        id,
		AccountID: d.AccountID,
		Email:     d.Email,
		Name:      d.Name,
		Phone:     d.Phone,
		Company:   d.Company,
		IsGuest:   d.IsGuest,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}
