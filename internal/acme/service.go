package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
	xacme "golang.org/x/crypto/acme"
	"gorm.io/gorm"

	"go_acmebot/internal/model"
)

// ErrAccountNotFound is returned when no account is stored for a directory and email
var ErrAccountNotFound = errors.New("acme account not found")

// AccountStore persists ACME account keys so a restart never re-registers
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore creates a new account store
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get returns the stored account for (directoryURL, email)
func (s *AccountStore) Get(ctx context.Context, directoryURL, email string) (*model.AcmeAccount, error) {
	var acct model.AcmeAccount
	err := s.db.WithContext(ctx).
		Where("directory_url = ? AND email = ?", directoryURL, email).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load acme account: %w", err)
	}
	return &acct, nil
}

// GetOrCreatePending returns the stored account, creating a pending one with
// a fresh EC P-256 key when none exists. The key is saved before the CA ever
// sees it, so an interrupted registration reuses the same key.
func (s *AccountStore) GetOrCreatePending(ctx context.Context, directoryURL, email, eabKid string) (*model.AcmeAccount, error) {
	acct, err := s.Get(ctx, directoryURL, email)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("generated account key is not a signer")
	}
	thumbprint, err := xacme.JWKThumbprint(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	acct = &model.AcmeAccount{
		DirectoryURL:  directoryURL,
		Email:         email,
		AccountKeyPem: string(certcrypto.PEMEncode(key)),
		KeyThumbprint: thumbprint,
		EabKid:        eabKid,
		Status:        model.AcmeAccountStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		// Another process may have created it concurrently
		if existing, getErr := s.Get(ctx, directoryURL, email); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to save acme account: %w", err)
	}
	return acct, nil
}

// Activate records the account URL returned by the CA
func (s *AccountStore) Activate(ctx context.Context, acct *model.AcmeAccount, accountURL string) error {
	result := s.db.WithContext(ctx).
		Model(&model.AcmeAccount{}).
		Where("id = ?", acct.ID).
		Updates(map[string]interface{}{
			"account_url": accountURL,
			"status":      model.AcmeAccountStatusActive,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to activate acme account: %w", result.Error)
	}

	acct.AccountURL = accountURL
	acct.Status = model.AcmeAccountStatusActive
	return nil
}

// PrivateKey decodes the stored account key
func PrivateKey(acct *model.AcmeAccount) (crypto.Signer, error) {
	key, err := certcrypto.ParsePEMPrivateKey([]byte(acct.AccountKeyPem))
	if err != nil {
		return nil, fmt.Errorf("failed to parse account key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("account key is not a signer")
	}
	return signer, nil
}
