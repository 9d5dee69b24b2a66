package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DiskMediaStore writes generated media under a root directory, one
// subdirectory per conversation, and returns the serving path.
type DiskMediaStore struct {
	root string
}

func NewDiskMediaStore(root string) (*DiskMediaStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &DiskMediaStore{root: root}, nil
}

func (m *DiskMediaStore) save(conversationID string, data []byte, ext string) (string, error) {
	dir := filepath.Join(m.root, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	name := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return "/media/" + conversationID + "/" + name, nil
}

func (m *DiskMediaStore) SaveImage(ctx context.Context, conversationID string, data []byte) (string, error) {
	return m.save(conversationID, data, ".jpg")
}

func (m *DiskMediaStore) SaveAudio(ctx context.Context, conversationID string, data []byte) (string, error) {
	return m.save(conversationID, data, ".wav")
}
