// Package vault seals connection credentials before they are persisted.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"msggateway/internal/platform/models"
)

const (
	sealedPrefix = "v1:"
	plainPrefix  = "plain:"
	nonceSize    = 24
)

var ErrOpen = errors.New("vault: cannot open sealed credentials")

type Vault struct {
	key    [32]byte
	sealed bool
}

// New derives the secretbox key from passphrase. An empty passphrase stores
// credentials unsealed, which is only meant for local development.
func New(passphrase string) *Vault {
	v := &Vault{}
	if passphrase != "" {
		v.key = sha256.Sum256([]byte(passphrase))
		v.sealed = true
	}
	return v
}

func (v *Vault) Sealed() bool {
	return v.sealed
}

func (v *Vault) Seal(creds models.Credentials) (string, error) {
	if creds == nil {
		creds = models.Credentials{}
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}

	if !v.sealed {
		return plainPrefix + string(plain), nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	box := secretbox.Seal(nonce[:], plain, &nonce, &v.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(box), nil
}

func (v *Vault) Open(stored string) (models.Credentials, error) {
	creds := models.Credentials{}
	switch {
	case stored == "":
		return creds, nil
	case strings.HasPrefix(stored, plainPrefix):
		if err := json.Unmarshal([]byte(strings.TrimPrefix(stored, plainPrefix)), &creds); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		return creds, nil
	case strings.HasPrefix(stored, sealedPrefix):
		if !v.sealed {
			return nil, fmt.Errorf("%w: no key configured", ErrOpen)
		}
		box, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
		if err != nil || len(box) < nonceSize+secretbox.Overhead {
			return nil, ErrOpen
		}

		var nonce [nonceSize]byte
		copy(nonce[:], box[:nonceSize])
		plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &v.key)
		if !ok {
			return nil, ErrOpen
		}
		if err := json.Unmarshal(plain, &creds); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		return creds, nil
	default:
		return nil, ErrOpen
	}
}
