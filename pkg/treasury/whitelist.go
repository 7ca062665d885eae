// Package treasury guards outgoing platform funds: destination
// whitelisting before any transfer, and a sliding-window monitor that
// raises alerts on balance and drain thresholds.
package treasury

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotWhitelisted is the typed authorization failure for a rejected
// destination.
var ErrNotWhitelisted = errors.New("treasury: destination not whitelisted")

// Program and system destinations every deployment accepts.
var builtinDestinations = []string{
	"11111111111111111111111111111111",            // system program
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", // token program
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL", // associated token program
	"ComputeBudget111111111111111111111111111111",  // compute budget program
	"metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s",  // token metadata program
}

// whitelistFile is the operator-curated entry list loaded at startup.
type whitelistFile struct {
	Destinations []struct {
		Address string `yaml:"address"`
		Label   string `yaml:"label"`
	} `yaml:"destinations"`
}

// Whitelist is the set of allowed transfer destinations. Immutable after
// load.
type Whitelist struct {
	allowed map[string]string // address -> label
	logger  *slog.Logger
}

// NewWhitelist builds the destination set from the built-ins plus the
// operator file at path. An empty path loads built-ins only.
func NewWhitelist(path string, logger *slog.Logger) (*Whitelist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Whitelist{
		allowed: make(map[string]string, len(builtinDestinations)),
		logger:  logger.With("component", "treasury.whitelist"),
	}
	for _, addr := range builtinDestinations {
		w.allowed[addr] = "builtin"
	}

	if path == "" {
		return w, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("treasury: read whitelist %s: %w", path, err)
	}
	var file whitelistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("treasury: parse whitelist %s: %w", path, err)
	}
	for _, d := range file.Destinations {
		if d.Address == "" {
			return nil, fmt.Errorf("treasury: whitelist %s contains an empty address", path)
		}
		w.allowed[d.Address] = d.Label
	}
	w.logger.Info("whitelist loaded", "path", path, "entries", len(w.allowed))
	return w, nil
}

// Authorize checks destination before a transfer. Rejections are logged as
// security events.
func (w *Whitelist) Authorize(destination string) error {
	if _, ok := w.allowed[destination]; ok {
		return nil
	}
	w.logger.Error("transfer to non-whitelisted destination rejected",
		"destination", destination, "security_event", true)
	return fmt.Errorf("%w: %s", ErrNotWhitelisted, destination)
}

// Contains reports membership without logging.
func (w *Whitelist) Contains(destination string) bool {
	_, ok := w.allowed[destination]
	return ok
}
