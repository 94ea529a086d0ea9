package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// pinDigits is the length of a cloudpair PIN.
const pinDigits = 6

// pinSpace is the number of possible PINs (10^pinDigits).
const pinSpace = 1000000

// DebugPIN is the fixed PIN used by debug builds so two development
// endpoints can pair without out-of-band coordination.
const DebugPIN = "777777"

// EnsurePIN returns the stored PIN, creating and persisting one on first
// run. Debug mode pins the value to DebugPIN; otherwise the PIN is drawn
// uniformly from 000000-999999.
func (s *Store) EnsurePIN(ctx context.Context, debug bool) (string, error) {
	pin, err := s.GetSetting(ctx, SettingPIN)
	if err == nil {
		return pin, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if debug {
		pin = DebugPIN
	} else {
		n, err := rand.Int(rand.Reader, big.NewInt(pinSpace))
		if err != nil {
			return "", fmt.Errorf("storage: generating PIN: %w", err)
		}

		pin = fmt.Sprintf("%06d", n.Int64())
	}

	if err := s.SetSetting(ctx, SettingPIN, pin); err != nil {
		return "", err
	}

	return pin, nil
}
