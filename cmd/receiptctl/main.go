// receiptctl проверяет квитанции без доступа к банку: нужны только файл квитанций и хранилище доверия.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/crypto"
	"github.com/xela07ax/agentbank-core/internal/domain"
	"github.com/xela07ax/agentbank-core/internal/receipt"
)

const (
	exitOK      = 0
	exitInvalid = 1
	exitUsage   = 2
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(exitUsage)
	}
	defer func() { _ = logger.Sync() }()

	os.Exit(run(os.Args[1:], os.Stdout, logger.Named("receiptctl")))
}

type options struct {
	trustPath    string
	receiptsPath string
	chain        bool
	skew         time.Duration
	seedHex      string
}

// result — строка отчета по одной квитанции или по цепочке целиком.
type result struct {
	ReceiptID string `json:"receipt_id,omitempty"`
	Chain     bool   `json:"chain,omitempty"`
	Valid     bool   `json:"valid"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func run(args []string, out io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("receiptctl", flag.ContinueOnError)
	fs.SetOutput(out)
	var opts options
	fs.StringVar(&opts.trustPath, "trust", "trust.json", "trust store JSON: role -> public keys")
	fs.StringVar(&opts.receiptsPath, "receipts", "", "receipts JSON file (single receipt or array)")
	fs.BoolVar(&opts.chain, "chain", false, "also verify previous_receipt_hash links from genesis")
	fs.DurationVar(&opts.skew, "skew", 0, "tolerated clock skew of signers")
	fs.StringVar(&opts.seedHex, "derive-trust", "", "print the trust store derived from a hex master seed and exit")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if opts.seedHex != "" {
		if err := printDerivedTrust(out, opts.seedHex); err != nil {
			logger.Error("failed to derive trust store", zap.Error(err))
			return exitUsage
		}
		return exitOK
	}
	if opts.receiptsPath == "" {
		logger.Error("-receipts is required")
		return exitUsage
	}

	trust, err := receipt.LoadTrustStore(opts.trustPath)
	if err != nil {
		logger.Error("failed to load trust store", zap.Error(err))
		return exitUsage
	}
	receipts, err := loadReceipts(opts.receiptsPath)
	if err != nil {
		logger.Error("failed to load receipts", zap.Error(err))
		return exitUsage
	}

	v := receipt.NewVerifier(trust, receipt.WithMaxSkew(opts.skew))
	results := make([]result, 0, len(receipts)+1)
	allValid := true
	for i := range receipts {
		res := toResult(v.Verify(&receipts[i]))
		res.ReceiptID = receipts[i].ReceiptID
		allValid = allValid && res.Valid
		results = append(results, res)
	}
	if opts.chain {
		res := toResult(v.VerifyChain(receipts))
		res.Chain = true
		allValid = allValid && res.Valid
		results = append(results, res)
	}

	enc := json.NewEncoder(out)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			logger.Error("failed to write report", zap.Error(err))
			return exitUsage
		}
	}
	logger.Info("verification finished", zap.Int("receipts", len(receipts)), zap.Bool("valid", allValid))
	if !allValid {
		return exitInvalid
	}
	return exitOK
}

func toResult(err error) result {
	if err == nil {
		return result{Valid: true}
	}
	return result{Code: string(domain.CodeOf(err)), Message: err.Error()}
}

// loadReceipts принимает как массив, так и одиночную квитанцию (ответ GET одного ресурса).
func loadReceipts(path string) ([]domain.Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("receipts file is empty")
	}
	if data[0] == '[' {
		var list []domain.Receipt
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode receipts: %w", err)
		}
		return list, nil
	}
	var one domain.Receipt
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return []domain.Receipt{one}, nil
}

func printDerivedTrust(out io.Writer, seedHex string) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("seed is not valid hex: %w", err)
	}
	trust := receipt.NewTrustStore()
	for _, role := range []domain.Role{domain.RoleIssuer, domain.RoleGate, domain.RoleEscrow} {
		kp, err := crypto.DeriveKeyPair(seed, string(role))
		if err != nil {
			return err
		}
		if err := trust.Trust(role, kp.PublicKeyHex()); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(trust, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
