// Package credential loads the mailbox login. The credential file is JSON
// (comments and trailing commas allowed); the password may instead come from
// the environment or the system keyring.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/tidwall/jsonc"
)

const serviceName = "imap-intake"

// Credentials is the mailbox login record.
type Credentials struct {
	IMAPServer string `json:"imap_server"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

// Validate checks that server and user are present. The password is checked
// by Resolve since it may come from elsewhere.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.IMAPServer) == "" {
		return errors.New("imap_server is required")
	}
	if strings.TrimSpace(c.Email) == "" {
		return errors.New("email is required")
	}
	return nil
}

// Parse strips comments and trailing commas from data and decodes it.
func Parse(data []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return c, nil
}

// Load reads and parses the credential file at path.
func Load(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Credentials{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// PasswordStore looks up a stored password by account.
type PasswordStore interface {
	Password(account string) (string, error)
}

// Resolve loads path (optional when fallback supplies server and email) and
// fills the password from, in order: envPassword, the file, store.
func Resolve(path string, fallback Credentials, envPassword string, store PasswordStore) (Credentials, error) {
	c := fallback
	if path != "" {
		fromFile, err := Load(path)
		if err != nil {
			return Credentials{}, err
		}
		c = merge(fromFile, fallback)
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}

	switch {
	case envPassword != "":
		c.Password = envPassword
	case c.Password != "":
	case store != nil:
		pw, err := store.Password(c.Email)
		if err != nil {
			return Credentials{}, fmt.Errorf("password for %s: %w", c.Email, err)
		}
		c.Password = pw
	}
	if c.Password == "" {
		return Credentials{}, fmt.Errorf("no password for %s", c.Email)
	}
	return c, nil
}

// merge prefers explicit values from override over the file.
func merge(file, override Credentials) Credentials {
	if override.IMAPServer != "" {
		file.IMAPServer = override.IMAPServer
	}
	if override.Email != "" {
		file.Email = override.Email
	}
	if override.Password != "" {
		file.Password = override.Password
	}
	return file
}

// Keyring stores mailbox passwords in the system keyring.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// under dir.
func OpenKeyring(dir string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Password(account string) (string, error) {
	item, err := k.ring.Get(account)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}
	return string(item.Data), nil
}

func (k *Keyring) SetPassword(account, password string) error {
	err := k.ring.Set(keyring.Item{
		Key:   account,
		Data:  []byte(password),
		Label: serviceName + " " + account,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}
	return nil
}
