package archive

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseStore writes objects into one Supabase Storage bucket.
type SupabaseStore struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseStore(cfg Config) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("archive: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: create supabase client: %w", err)
	}
	return &SupabaseStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *SupabaseStore) Upload(key, contentType string, data []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("archive: upload %s (%s): %w", key, contentType, err)
	}
	return nil
}
