// Package tokenstore persists the Printer-Token issued by Connect the
// first time this printer is paired, so subsequent runs don't need to
// re-register.
//
// Grounded on the teacher's cookies.go (readCookie/saveDeviceCookie/
// isFirstRun), generalized from the two hardcoded user.json/device.json
// files next to the executable into one named token file at a caller-
// supplied path, since a single bridge process here only ever manages
// one printer-to-Connect pairing, not a user cookie plus a device
// cookie.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
)

type record struct {
	Token string `json:"token"`
}

// Load reads the token persisted at path. It returns an error
// wrapping os.IsNotExist for a printer that has never been paired.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("tokenstore: %s is not valid json: %w", path, err)
	}
	if r.Token == "" {
		return "", fmt.Errorf("tokenstore: %s has no token", path)
	}
	return r.Token, nil
}

// Save persists token at path, creating or truncating it.
func Save(path, token string) error {
	data, err := json.Marshal(record{Token: token})
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// IsPaired reports whether a token file already exists at path.
func IsPaired(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
