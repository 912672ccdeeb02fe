package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/settlement"
	"payrail/internal/platform/chainaddr"
	"payrail/internal/platform/config"
)

// Treasury is the slice of the settlement engine the seeder needs.
type Treasury interface {
	ListAccounts(ctx context.Context) ([]settlement.Account, error)
	CreateAccount(ctx context.Context, account settlement.Account) (settlement.Account, error)
}

// Seed creates the operational treasury account on first start. It does
// nothing when an account with the configured name already exists or no
// address is configured.
func Seed(ctx context.Context, treasury Treasury, cfg config.Config) error {
	address := strings.TrimSpace(cfg.SeedTreasuryAddress)
	if address == "" {
		return nil
	}
	if !chainaddr.Valid(address) {
		return fmt.Errorf("SEED_TREASURY_ADDRESS: %w", chainaddr.ErrInvalidAddress)
	}
	balance, err := decimal.NewFromString(cfg.SeedTreasuryBalance)
	if err != nil {
		return fmt.Errorf("SEED_TREASURY_BALANCE: %w", err)
	}

	accounts, err := treasury.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if account.Name == cfg.SeedTreasuryName {
			return nil
		}
	}

	account, err := treasury.CreateAccount(ctx, settlement.Account{
		Name:           cfg.SeedTreasuryName,
		Address:        address,
		Currency:       cfg.SettlementCurrency,
		Network:        cfg.SettlementNetwork,
		AccountType:    settlement.AccountOperational,
		OpeningBalance: balance,
		Balance:        balance,
	})
	if err != nil {
		return err
	}
	slog.Info("treasury account seeded", "accountId", account.ID, "name", account.Name, "network", account.Network)
	return nil
}
