// Package chain verifies payment transactions against an Ethereum JSON-RPC
// provider.
//
// The verifier is read-only and stateless: it answers "does this hash
// correspond to a settled payment of the expected amount, from the claimed
// wallet, to our address" and nothing else. Persistence and crediting
// belong to the payments package.
//
// Outcomes are split into two families. Verification verdicts (not found,
// unconfirmed, wrong recipient/sender/amount) are final answers about the
// chain state and map to typed rejection errors. Transport faults - RPC
// down, timeout - are ErrProviderUnavailable and mean "try again", never
// "rejected".
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Verification verdicts. Rejection messages name the failing condition but
// never include the configured payment address or tolerance.
var (
	ErrTxNotFound          = errors.New("transaction not found on chain")
	ErrTxNotConfirmed      = errors.New("transaction not confirmed")
	ErrWrongRecipient      = errors.New("transaction recipient mismatch")
	ErrWrongSender         = errors.New("transaction sender mismatch")
	ErrWrongAmount         = errors.New("transaction amount mismatch")
	ErrProviderUnavailable = errors.New("chain provider unavailable")
)

// IsRejection reports whether err is a final verification verdict, as
// opposed to a provider fault worth retrying.
func IsRejection(err error) bool {
	return errors.Is(err, ErrTxNotFound) ||
		errors.Is(err, ErrTxNotConfirmed) ||
		errors.Is(err, ErrWrongRecipient) ||
		errors.Is(err, ErrWrongSender) ||
		errors.Is(err, ErrWrongAmount)
}

// Reader is the slice of the RPC client the verifier uses. *ethclient.Client
// satisfies it; tests substitute a fake.
type Reader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const (
	DefaultMinConfirmations = 1
	DefaultTimeout          = 10 * time.Second
)

// DefaultAmountTolerance absorbs rounding drift between the quoted price
// and the submitted value: |actual - expected| <= tolerance passes.
var DefaultAmountTolerance = decimal.RequireFromString("0.0001")

// Config carries the verifier's policy.
type Config struct {
	// PaymentAddress is the receiving wallet. Required, hex form.
	PaymentAddress string

	// MinConfirmations is the inclusion depth required before a payment
	// counts: head - txBlock + 1 >= MinConfirmations.
	MinConfirmations uint64

	// AmountTolerance bounds the acceptable deviation in ETH.
	AmountTolerance decimal.Decimal

	// Timeout bounds each verification end to end.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinConfirmations == 0 {
		c.MinConfirmations = DefaultMinConfirmations
	}
	if c.AmountTolerance.IsZero() {
		c.AmountTolerance = DefaultAmountTolerance
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Verifier checks submitted payment claims against chain state.
type Verifier struct {
	reader Reader
	cfg    Config
	payTo  common.Address
	log    zerolog.Logger
}

// New builds a verifier over an existing reader.
func New(reader Reader, cfg Config, logger zerolog.Logger) (*Verifier, error) {
	cfg.applyDefaults()
	if !common.IsHexAddress(cfg.PaymentAddress) {
		return nil, fmt.Errorf("invalid payment address %q", cfg.PaymentAddress)
	}
	return &Verifier{
		reader: reader,
		cfg:    cfg,
		payTo:  common.HexToAddress(cfg.PaymentAddress),
		log:    logger.With().Str("component", "chain_verifier").Logger(),
	}, nil
}

// Dial connects to the RPC endpoint and builds a verifier over it.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger zerolog.Logger) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return New(client, cfg, logger)
}

// Report is the evidence attached to a successful verification.
type Report struct {
	TxHash        string
	From          string
	To            string
	AmountETH     decimal.Decimal
	BlockNumber   uint64
	Confirmations uint64
}

// Verify runs the full check sequence for one payment claim.
//
// Order is fixed: existence, confirmation depth and execution status,
// recipient, sender, amount. The first failing check decides the verdict;
// later checks are not consulted. claimedSender must be a hex address
// (validated at the HTTP edge); expected is the product price in ETH.
func (v *Verifier) Verify(ctx context.Context, txHash, claimedSender string, expected decimal.Decimal) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	hash := common.HexToHash(txHash)

	tx, pending, err := v.reader.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, providerFault(err)
	}
	if pending {
		return nil, fmt.Errorf("%w: still in mempool", ErrTxNotConfirmed)
	}

	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: no receipt yet", ErrTxNotConfirmed)
	}
	if err != nil {
		return nil, providerFault(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: execution reverted", ErrTxNotConfirmed)
	}
	if receipt.BlockNumber == nil {
		return nil, fmt.Errorf("%w: no block number", ErrTxNotConfirmed)
	}

	head, err := v.reader.BlockNumber(ctx)
	if err != nil {
		return nil, providerFault(err)
	}
	txBlock := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= txBlock {
		confirmations = head - txBlock + 1
	}
	if confirmations < v.cfg.MinConfirmations {
		return nil, fmt.Errorf("%w: %d of %d confirmations",
			ErrTxNotConfirmed, confirmations, v.cfg.MinConfirmations)
	}

	to := tx.To()
	if to == nil {
		// Contract creation has no recipient.
		return nil, fmt.Errorf("%w: not a transfer", ErrWrongRecipient)
	}
	if *to != v.payTo {
		return nil, ErrWrongRecipient
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot recover sender", ErrWrongSender)
	}
	if from != common.HexToAddress(claimedSender) {
		return nil, ErrWrongSender
	}

	amount := decimal.NewFromBigInt(tx.Value(), -18)
	if amount.Sub(expected).Abs().GreaterThan(v.cfg.AmountTolerance) {
		return nil, fmt.Errorf("%w: got %s ETH, expected %s ETH",
			ErrWrongAmount, amount.String(), expected.String())
	}

	report := &Report{
		TxHash:        strings.ToLower(hash.Hex()),
		From:          strings.ToLower(from.Hex()),
		To:            strings.ToLower(to.Hex()),
		AmountETH:     amount,
		BlockNumber:   txBlock,
		Confirmations: confirmations,
	}

	v.log.Info().
		Str("tx_hash", report.TxHash).
		Str("from", report.From).
		Str("amount_eth", report.AmountETH.String()).
		Uint64("confirmations", report.Confirmations).
		Msg("payment verified")

	return report, nil
}

func providerFault(err error) error {
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
