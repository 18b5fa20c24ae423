package licensing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/janschill/licensed/internal/keys"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

// maxKeyAttempts bounds the collision retry loop. A collision needs a
// SHA-256 clash over a 64-character alphabet; hitting the bound means
// the random source is broken, not that we were unlucky.
const maxKeyAttempts = 10

// Issue creates a license for the user with a freshly generated key.
// Generation retries until the key hash is confirmed absent; the
// store's unique constraint remains the authoritative guard.
func Issue(ctx context.Context, store storage.Storage, userID string, keyLength int) (*models.License, error) {
	var license *models.License

	err := store.WithTx(ctx, func(tx storage.Storage) error {
		key, keyHash, err := generateUnusedKey(ctx, tx, keyLength)
		if err != nil {
			return err
		}

		license = &models.License{
			ID:          uuid.Must(uuid.NewRandom()).String(),
			Key:         key,
			KeyHash:     keyHash,
			UserID:      userID,
			IsActive:    true,
			IsSuspended: false,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.SaveLicense(ctx, license)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue license: %w", err)
	}

	return license, nil
}

// Rotate replaces a license's key, invalidating the old one
// permanently. Returns the new plaintext key for one-time display.
func Rotate(ctx context.Context, store storage.Storage, licenseID string, keyLength int) (string, error) {
	var newKey string

	err := store.WithTx(ctx, func(tx storage.Storage) error {
		license, err := tx.GetLicense(ctx, licenseID)
		if err != nil {
			return err
		}
		if license == nil {
			return storage.ErrNotFound
		}

		key, keyHash, err := generateUnusedKey(ctx, tx, keyLength)
		if err != nil {
			return err
		}

		license.Key = key
		license.KeyHash = keyHash
		if err := tx.SaveLicense(ctx, license); err != nil {
			return err
		}

		newKey = key
		return nil
	})
	if err != nil {
		return "", err
	}

	return newKey, nil
}

func generateUnusedKey(ctx context.Context, store storage.Storage, keyLength int) (key, keyHash string, err error) {
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err = keys.Generate(keyLength)
		if err != nil {
			return "", "", err
		}
		keyHash = keys.Hash(key)

		existing, err := store.FindLicenseByKeyHash(ctx, keyHash)
		if err != nil {
			return "", "", err
		}
		if existing == nil {
			return key, keyHash, nil
		}
	}
	return "", "", fmt.Errorf("could not generate an unused key after %d attempts", maxKeyAttempts)
}
