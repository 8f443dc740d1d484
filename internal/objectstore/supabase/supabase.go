// Package supabase stores objects in a Supabase Storage bucket.
package supabase

import (
	"context"
	"fmt"

	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

// Store is an objectstore.Store backed by one bucket. Retries happen inside
// the Supabase client.
type Store struct {
	bucket *client.BucketClient
}

var _ objectstore.Store = (*Store)(nil)

// New binds a store to bucket.
func New(c *client.Client, bucket string) *Store {
	return &Store{bucket: c.Storage().From(bucket)}
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.bucket.Upload(ctx, key, data, contentType); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.Download(ctx, key)
	if client.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", key, objectstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Remove(ctx, []string{key})
	if err != nil && !client.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) URL(key string) string {
	return s.bucket.GetPublicURL(key)
}
