package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-play/pkg/config"
	"github.com/openfroyo/froyo-play/pkg/engine"
	"github.com/openfroyo/froyo-play/pkg/stores"
	"github.com/openfroyo/froyo-play/pkg/vault"
)

// openStore opens and migrates the run log at path and drops expired
// facts.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("run log %s is not usable: %w", path, err)
	}
	if n, err := store.DeleteExpiredFacts(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to prune expired facts")
	} else if n > 0 {
		log.Debug().Int64("count", n).Msg("Pruned expired facts")
	}
	return store, nil
}

// loadSecrets reads the vault file, if any, as a flat map of secrets.
func loadSecrets(path, passwordFile string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	var password []byte
	if vault.IsEncrypted(data) {
		password, err = vault.ReadPassword(passwordFile)
		if err != nil {
			return nil, err
		}
	}
	return vault.Load(path, password)
}

// loadPlanChecked loads a plan and runs every validation phase against
// the inventory. Validation problems are printed to w.
func loadPlanChecked(w io.Writer, path string, inv *engine.Inventory, checkers *engine.CheckerRegistry) (*engine.Plan, error) {
	plan, errs := config.ValidatePlanFile(path, engine.CompileOptionsFor(checkers, inv))
	for _, e := range errs {
		fmt.Fprintln(w, e.Error())
	}
	if errs.HasErrors() {
		return nil, &ExitError{
			Code:     2,
			Err:      engine.NewPlanInvalidError(fmt.Sprintf("%s has %d problem(s)", path, len(errs)), nil),
			Reported: true,
		}
	}
	return plan, nil
}

func componentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
