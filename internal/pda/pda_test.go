package pda

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	testAuthority = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func TestDerive_Deterministic(t *testing.T) {
	parts := [][]byte{[]byte("summer-cup-2026"), testAuthority.Bytes()}

	a1, b1, err := Derive(NamespaceTournament, parts, testProgramID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, b2, err := Derive(NamespaceTournament, parts, testProgramID)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if a1 != a2 || b1 != b2 {
		t.Fatalf("derivation not deterministic: %s/%d vs %s/%d", a1, b1, a2, b2)
	}
}

func TestDerive_InputSensitivity(t *testing.T) {
	base, _, err := Derive(NamespaceTournament, [][]byte{[]byte("cup-a"), testAuthority.Bytes()}, testProgramID)
	if err != nil {
		t.Fatalf("derive base: %v", err)
	}

	variants := []struct {
		name      string
		namespace string
		parts     [][]byte
	}{
		{"different id", NamespaceTournament, [][]byte{[]byte("cup-b"), testAuthority.Bytes()}},
		{"different namespace", NamespacePrizePool, [][]byte{[]byte("cup-a"), testAuthority.Bytes()}},
		{"reordered parts", NamespaceTournament, [][]byte{testAuthority.Bytes(), []byte("cup-a")}},
		{"dropped part", NamespaceTournament, [][]byte{[]byte("cup-a")}},
	}

	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Derive(tt.namespace, tt.parts, testProgramID)
			if err != nil {
				t.Fatalf("derive variant: %v", err)
			}
			if got == base {
				t.Fatalf("expected a different address for %s", tt.name)
			}
		})
	}
}

func TestDerive_InvalidSeeds(t *testing.T) {
	long := make([]byte, maxSeedLen+1)

	if _, _, err := Derive("", nil, testProgramID); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("empty namespace: got %v, want ErrInvalidSeed", err)
	}
	if _, _, err := Derive(NamespaceStake, [][]byte{{}}, testProgramID); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("empty part: got %v, want ErrInvalidSeed", err)
	}
	if _, _, err := Derive(NamespaceStake, [][]byte{long}, testProgramID); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("oversized part: got %v, want ErrInvalidSeed", err)
	}
}

func TestWellKnownDerivers(t *testing.T) {
	pool, _, err := TournamentPool("winter-open", testAuthority, testProgramID)
	if err != nil {
		t.Fatalf("tournament pool: %v", err)
	}

	vault, _, err := PrizeVault(pool, testProgramID)
	if err != nil {
		t.Fatalf("prize vault: %v", err)
	}
	if vault == pool {
		t.Fatal("vault must differ from its pool")
	}

	s1, _, err := StakeAccount(pool, testAuthority, 0, testProgramID)
	if err != nil {
		t.Fatalf("stake account: %v", err)
	}
	s2, _, err := StakeAccount(pool, testAuthority, 1, testProgramID)
	if err != nil {
		t.Fatalf("stake account disc 1: %v", err)
	}
	if s1 == s2 {
		t.Fatal("discriminator must change the derived stake account")
	}
}
