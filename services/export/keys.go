package export

import (
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
)

// ParseRecipients turns age public keys into recipients. A passphrase, if given,
// must be the only recipient.
func ParseRecipients(publicKeys []string, passphrase string) ([]age.Recipient, error) {
	if passphrase != "" {
		if len(publicKeys) > 0 {
			return nil, errors.New("a passphrase cannot be combined with recipient keys")
		}
		r, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("passphrase recipient: %w", err)
		}
		return []age.Recipient{r}, nil
	}

	recipients := make([]age.Recipient, 0, len(publicKeys))
	for _, key := range publicKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// ParseIdentities turns age secret keys, or a passphrase, into identities that can
// open an encrypted archive.
func ParseIdentities(secretKeys []string, passphrase string) ([]age.Identity, error) {
	var identities []age.Identity
	for _, key := range secretKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		id, err := age.ParseX25519Identity(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		identities = append(identities, id)
	}
	if passphrase != "" {
		id, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("passphrase identity: %w", err)
		}
		identities = append(identities, id)
	}
	return identities, nil
}
