package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// SaveToolCatalog caches a provider's tool catalog, replacing any
// previous snapshot for the same provider.
func (s *BoltStore) SaveToolCatalog(catalog *ToolCatalog) error {
	if catalog == nil {
		return fmt.Errorf("tool catalog cannot be nil")
	}
	if catalog.Provider == "" {
		return fmt.Errorf("tool catalog provider cannot be empty")
	}
	if catalog.UpdatedAt.IsZero() {
		catalog.UpdatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCatalogsBucket))
		if bucket == nil {
			return fmt.Errorf("tool catalogs bucket not found")
		}

		data, err := catalog.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal tool catalog: %w", err)
		}
		return bucket.Put([]byte(catalog.Provider), data)
	})
}

// GetToolCatalog returns the cached catalog for a provider, or nil if
// none has been cached yet.
func (s *BoltStore) GetToolCatalog(provider string) (*ToolCatalog, error) {
	if provider == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}

	var catalog *ToolCatalog

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCatalogsBucket))
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(provider))
		if data == nil {
			return nil
		}

		catalog = &ToolCatalog{}
		if err := catalog.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal tool catalog: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return catalog, nil
}

// ListToolCatalogs returns every cached catalog.
func (s *BoltStore) ListToolCatalogs() ([]*ToolCatalog, error) {
	var catalogs []*ToolCatalog

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCatalogsBucket))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			catalog := &ToolCatalog{}
			if err := catalog.UnmarshalBinary(v); err != nil {
				s.logger.Warnw("Failed to unmarshal tool catalog",
					"provider", string(k),
					"error", err)
				return nil
			}
			catalogs = append(catalogs, catalog)
			return nil
		})
	})

	return catalogs, err
}

// DeleteToolCatalog drops the cached catalog for a provider. Deleting
// a catalog that was never cached is not an error.
func (s *BoltStore) DeleteToolCatalog(provider string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolCatalogsBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(provider))
	})
}
