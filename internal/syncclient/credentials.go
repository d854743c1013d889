package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StoredCredentials is the on-disk credential file.
type StoredCredentials struct {
	Token string `json:"token"`
}

// FileCredentials loads and saves credentials as JSON on disk.
type FileCredentials struct {
	Path string
}

// Load implements Credentials.
func (f FileCredentials) Load(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds StoredCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials %s: %w", f.Path, err)
	}
	if creds.Token == "" {
		return "", errors.New("credentials file has no token")
	}
	return creds.Token, nil
}

// Save writes token atomically so a concurrent Load never sees a partial file.
func (f FileCredentials) Save(token string) error {
	data, err := json.MarshalIndent(StoredCredentials{Token: token}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// SavingMinter persists every freshly minted token.
type SavingMinter struct {
	Minter TokenMinter
	Store  FileCredentials
}

// Mint implements TokenMinter.
func (s SavingMinter) Mint(ctx context.Context, current string) (string, error) {
	token, err := s.Minter.Mint(ctx, current)
	if err != nil {
		return "", err
	}
	if err := s.Store.Save(token); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return token, nil
}
