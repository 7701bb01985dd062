package objectstore

import (
	"context"
	"fmt"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/seal"
)

// Multi resolves a StorageProvider row to a live Client on demand, unsealing
// its credentials only for the duration of one call (spec §4.4: Node never
// caches unsealed credentials beyond the upload they're used for).
type Multi struct {
	keyring *seal.Keyring
}

func NewMulti(keyring *seal.Keyring) *Multi {
	return &Multi{keyring: keyring}
}

func (m *Multi) dial(providerID uint) (*Client, *models.StorageProvider, error) {
	var provider models.StorageProvider
	if err := database.DB.First(&provider, providerID).Error; err != nil {
		return nil, nil, fmt.Errorf("objectstore: load provider %d: %w", providerID, err)
	}

	accessKey, err := m.keyring.Unseal(provider.AccessKeySealed)
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: unseal access key: %w", err)
	}
	secretKey, err := m.keyring.Unseal(provider.SecretKeySealed)
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: unseal secret key: %w", err)
	}

	client, err := Dial(Credentials{
		Endpoint:  provider.Endpoint,
		Region:    provider.Region,
		Bucket:    provider.Bucket,
		AccessKey: string(accessKey),
		SecretKey: string(secretKey),
		UseSSL:    true,
	})
	return client, &provider, err
}

// Delete unseals the provider's credentials and removes one object.
func (m *Multi) Delete(providerID uint, key string) error {
	if key == "" {
		return nil
	}
	client, _, err := m.dial(providerID)
	if err != nil {
		return err
	}
	return client.Delete(context.Background(), key)
}

// ListPrefix unseals the provider's credentials and lists objects under prefix.
func (m *Multi) ListPrefix(providerID uint, prefix string) ([]ObjectInfo, error) {
	client, _, err := m.dial(providerID)
	if err != nil {
		return nil, err
	}
	return client.ListPrefix(context.Background(), prefix)
}
