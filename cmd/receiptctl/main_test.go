package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

var seedHex = hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

// fixture пишет хранилище доверия и цепочку из двух подписанных квитанций во временный каталог.
func fixture(t *testing.T) (trustPath string, receipts []domain.Receipt) {
	t.Helper()
	dir := t.TempDir()

	var trust bytes.Buffer
	require.NoError(t, printDerivedTrust(&trust, seedHex))
	trustPath = filepath.Join(dir, "trust.json")
	require.NoError(t, os.WriteFile(trustPath, trust.Bytes(), 0o600))

	seed, _ := hex.DecodeString(seedHex)
	kp, err := crypto.DeriveKeyPair(seed, string(domain.RoleGate))
	require.NoError(t, err)
	signer := receipt.NewSigner(domain.RoleGate, kp)

	prev := ""
	for i, id := range []string{"commit_1", "commit_2"} {
		r := domain.Receipt{
			Kind:                domain.ReceiptCommitment,
			ReceiptID:           id,
			Operation:           "transfer",
			Amount:              domain.Amount(1000 * (i + 1)),
			Asset:               domain.AssetIUSD,
			Parties:             []string{"buyer-alice", "seller-bob"},
			Timestamp:           time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
			PermitID:            "permit_1",
			BudgetID:            "budget_1",
			IntentID:            "intent_" + id,
			PreviousReceiptHash: prev,
		}
		require.NoError(t, signer.Sign(&r))
		prev, err = receipt.Hash(&r)
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	return trustPath, receipts
}

func writeReceipts(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "receipts.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func decodeResults(t *testing.T, out *bytes.Buffer) []result {
	t.Helper()
	var results []result
	dec := json.NewDecoder(out)
	for dec.More() {
		var r result
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	return results
}

func TestRun_ValidChain(t *testing.T) {
	trustPath, receipts := fixture(t)
	var out bytes.Buffer

	code := run([]string{"-trust", trustPath, "-receipts", writeReceipts(t, receipts), "-chain"}, &out, zap.NewNop())
	require.Equal(t, exitOK, code, out.String())

	results := decodeResults(t, &out)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Valid)
	}
	assert.True(t, results[2].Chain)
}

func TestRun_SingleReceiptObject(t *testing.T) {
	trustPath, receipts := fixture(t)
	var out bytes.Buffer

	code := run([]string{"-trust", trustPath, "-receipts", writeReceipts(t, receipts[0])}, &out, zap.NewNop())
	require.Equal(t, exitOK, code)
	assert.Len(t, decodeResults(t, &out), 1)
}

func TestRun_TamperedAmount(t *testing.T) {
	trustPath, receipts := fixture(t)
	receipts[1].Amount = 999999
	var out bytes.Buffer

	code := run([]string{"-trust", trustPath, "-receipts", writeReceipts(t, receipts)}, &out, zap.NewNop())
	require.Equal(t, exitInvalid, code)

	results := decodeResults(t, &out)
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.Equal(t, string(domain.CodeInvalidSignature), results[1].Code)
}

func TestRun_BrokenChainOrder(t *testing.T) {
	trustPath, receipts := fixture(t)
	reordered := []domain.Receipt{receipts[1], receipts[0]}
	var out bytes.Buffer

	code := run([]string{"-trust", trustPath, "-receipts", writeReceipts(t, reordered), "-chain"}, &out, zap.NewNop())
	require.Equal(t, exitInvalid, code)

	results := decodeResults(t, &out)
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.True(t, results[1].Valid)
	assert.Equal(t, string(domain.CodeReceiptChainBroken), results[2].Code)
}

func TestRun_UsageErrors(t *testing.T) {
	trustPath, _ := fixture(t)
	log := zap.NewNop()

	assert.Equal(t, exitUsage, run([]string{"-trust", trustPath}, &bytes.Buffer{}, log))
	assert.Equal(t, exitUsage, run([]string{"-trust", filepath.Join(t.TempDir(), "none.json"), "-receipts", "x.json"}, &bytes.Buffer{}, log))
	assert.Equal(t, exitUsage, run([]string{"-derive-trust", "not-hex"}, &bytes.Buffer{}, log))
	assert.Equal(t, exitUsage, run([]string{"-unknown-flag"}, &bytes.Buffer{}, log))
}

func TestRun_DeriveTrust(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, exitOK, run([]string{"-derive-trust", seedHex}, &out, zap.NewNop()))

	ts, err := receipt.ParseTrustStore(out.Bytes())
	require.NoError(t, err)

	seed, _ := hex.DecodeString(seedHex)
	for _, role := range []domain.Role{domain.RoleIssuer, domain.RoleGate, domain.RoleEscrow} {
		kp, err := crypto.DeriveKeyPair(seed, string(role))
		require.NoError(t, err)
		assert.True(t, ts.IsTrusted(role, kp.PublicKeyHex()), role)
	}
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out.String()), "{"))
}
