// Package pda derives the platform's program-derived addresses.
//
// Every address used by the settlement engine is a pure function of a
// namespace seed, the relevant parent keys, and the arena program id.
// Nothing here touches the network; the rest of the system relies on the
// fact that any derived address can be recomputed from its inputs alone.
package pda

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ErrInvalidSeed = errors.New("pda: invalid seed")

// Well-known namespace seeds. These must match the seeds the on-chain
// program used when the accounts were created; they are part of the
// program's ABI and never change.
const (
	NamespaceTournament  = "tournament"
	NamespacePrizePool   = "prize_pool"
	NamespaceStakingPool = "staking_pool"
	NamespaceRevenuePool = "revenue_pool"
	NamespaceStake       = "stake"
)

const maxSeedLen = 32

// Derive computes the program-derived address for namespace and parts under
// programID. The namespace is always the leading seed.
//
// Derivation is deterministic but order-sensitive: callers must pass parts
// in the exact order used when the on-chain account was created. A caller
// that reorders or reformats a part gets a different, equally valid-looking
// address with no error. There is deliberately no cross-check against a
// stored record here.
func Derive(namespace string, parts [][]byte, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	if namespace == "" {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: empty namespace", ErrInvalidSeed)
	}
	if len(namespace) > maxSeedLen {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: namespace exceeds %d bytes", ErrInvalidSeed, maxSeedLen)
	}
	seeds := make([][]byte, 0, len(parts)+1)
	seeds = append(seeds, []byte(namespace))
	for i, p := range parts {
		if len(p) == 0 {
			return solana.PublicKey{}, 0, fmt.Errorf("%w: empty part at index %d", ErrInvalidSeed, i)
		}
		if len(p) > maxSeedLen {
			return solana.PublicKey{}, 0, fmt.Errorf("%w: part %d exceeds %d bytes", ErrInvalidSeed, i, maxSeedLen)
		}
		seeds = append(seeds, p)
	}

	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("pda: derive %q: %w", namespace, err)
	}
	return addr, bump, nil
}

// TournamentPool derives the pool account for a tournament.
func TournamentPool(tournamentID string, authority, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(NamespaceTournament, [][]byte{[]byte(tournamentID), authority.Bytes()}, programID)
}

// PrizeVault derives the prize vault for a tournament pool.
func PrizeVault(pool, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(NamespacePrizePool, [][]byte{pool.Bytes()}, programID)
}

// StakingPool derives the global staking pool for a token mint.
func StakingPool(mint, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(NamespaceStakingPool, [][]byte{mint.Bytes()}, programID)
}

// RevenuePool derives the revenue pool for a developer authority.
func RevenuePool(developer, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(NamespaceRevenuePool, [][]byte{developer.Bytes()}, programID)
}

// StakeAccount derives a wallet's stake record in a staking pool. The
// discriminator distinguishes multiple stakes by the same wallet.
func StakeAccount(pool, wallet solana.PublicKey, discriminator uint8, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(NamespaceStake, [][]byte{pool.Bytes(), wallet.Bytes(), {discriminator}}, programID)
}

// AssociatedTokenAccount derives the canonical associated token account for
// wallet and mint via the SPL associated-token program.
func AssociatedTokenAccount(wallet, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("pda: derive associated token account: %w", err)
	}
	return addr, bump, nil
}
