// Package deposits implements the deposit verification and crediting
// pipeline.
//
// Each submission moves through fixed gates: format check, duplicate check,
// chain verification, then crediting. A rejection at any gate is terminal
// and credits nothing. The credited amount is parsed from the matching
// transfer event log only; amounts supplied by the caller are never used
// for crediting outside the explicitly non-production unverified mode.
package deposits

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/AgentBar-Labs/credit_layer/internal/chain"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	svcerrors "github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/metrics"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// TransferEventSignature is keccak256("Transfer(address,address,uint256)"),
// the fixed topic[0] constant identifying token transfer logs.
const TransferEventSignature = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// balanceScale is the fixed-point scale of internal balances: credit-cents,
// two decimal places. On-chain amounts convert by integer floor division;
// no floating point touches the money path.
const balanceScale = 2

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Config holds the transfer matching rules and crediting bounds.
type Config struct {
	// TokenContract is the only contract whose transfer events are
	// accepted.
	TokenContract string
	// TreasuryAddress is the required transfer destination.
	TreasuryAddress string
	// TokenDecimals is the token's declared decimal count.
	TokenDecimals int
	// MinAmount and MaxAmount bound the credited amount in credit-cents.
	MinAmount int64
	MaxAmount int64
	// AllowUnverified enables SubmitUnverified. Never set in production.
	AllowUnverified bool
}

// Service is the deposit pipeline.
type Service struct {
	store   storage.DepositStore
	fetcher chain.ReceiptFetcher
	cfg     Config
	log     *logger.Logger
}

// New creates a deposit service.
func New(store storage.DepositStore, fetcher chain.ReceiptFetcher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("deposits")
	}
	return &Service{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
	}
}

// Submit verifies the referenced transaction on chain and credits the
// principal exactly once. Two concurrent submissions of the same reference
// result in exactly one credited record: the read-time duplicate gate is
// re-enforced by the store's uniqueness constraint at insertion time.
func (s *Service) Submit(ctx context.Context, principalID, txRef string) (deposit.Record, error) {
	state := deposit.StateReceived

	// Format gate. No network call is made for a malformed reference.
	if !txHashPattern.MatchString(txRef) {
		metrics.RecordDepositOutcome("malformed")
		return deposit.Record{}, svcerrors.MalformedReference(txRef)
	}
	txRef = strings.ToLower(txRef)
	state = deposit.StateFormatChecked

	// Read-time duplicate gate.
	exists, err := s.store.HasDeposit(ctx, txRef)
	if err != nil {
		metrics.RecordDepositOutcome("unavailable")
		return deposit.Record{}, svcerrors.Unavailable("record store", err)
	}
	if exists {
		metrics.RecordDepositOutcome("duplicate")
		return deposit.Record{}, svcerrors.AlreadyClaimed(txRef)
	}
	state = deposit.StateDuplicateChecked

	// Chain verification. A timeout here is infrastructure trouble, not a
	// confirmed rejection; the client may retry safely.
	receipt, err := s.fetcher.TransactionReceipt(ctx, txRef)
	if err != nil {
		metrics.RecordDepositOutcome("unavailable")
		return deposit.Record{}, svcerrors.Unavailable("chain endpoint", err)
	}
	if receipt == nil {
		metrics.RecordDepositOutcome("not_confirmed")
		return deposit.Record{}, svcerrors.NotConfirmed()
	}
	if !receipt.Succeeded() {
		metrics.RecordDepositOutcome("execution_failed")
		return deposit.Record{}, svcerrors.ExecutionFailed()
	}

	transfer, err := s.matchTransfer(receipt)
	if err != nil {
		metrics.RecordDepositOutcome("no_matching_transfer")
		return deposit.Record{}, err
	}

	amount, err := s.scaleAmount(transfer.amount)
	if err != nil {
		metrics.RecordDepositOutcome("out_of_bounds")
		return deposit.Record{}, err
	}
	state = deposit.StateChainVerified

	blockNumber, err := receipt.BlockNumberUint()
	if err != nil {
		metrics.RecordDepositOutcome("unavailable")
		return deposit.Record{}, svcerrors.Unavailable("chain endpoint", err)
	}

	rec, err := s.credit(ctx, deposit.Record{
		PrincipalID: principalID,
		TxHash:      txRef,
		Amount:      amount,
		FromAddress: transfer.from,
		BlockNumber: blockNumber,
	})
	if err != nil {
		return deposit.Record{}, err
	}
	state = deposit.StateCredited

	s.log.WithFields(map[string]interface{}{
		"principal_id": principalID,
		"tx_hash":      txRef,
		"amount":       rec.Amount,
		"state":        string(state),
	}).Info("deposit credited")
	return rec, nil
}

// SubmitUnverified credits a caller-stated amount without touching the
// chain. Only available when the unverified test mode is enabled.
func (s *Service) SubmitUnverified(ctx context.Context, principalID, txRef string, amount int64) (deposit.Record, error) {
	if !s.cfg.AllowUnverified {
		return deposit.Record{}, svcerrors.Forbidden("unverified deposits are disabled")
	}
	if !txHashPattern.MatchString(txRef) {
		return deposit.Record{}, svcerrors.MalformedReference(txRef)
	}
	if amount < s.cfg.MinAmount || amount > s.cfg.MaxAmount {
		return deposit.Record{}, svcerrors.AmountOutOfBounds(amount, s.cfg.MinAmount, s.cfg.MaxAmount)
	}

	s.log.WithField("tx_hash", txRef).Warn("crediting unverified deposit (test mode)")
	return s.credit(ctx, deposit.Record{
		PrincipalID: principalID,
		TxHash:      strings.ToLower(txRef),
		Amount:      amount,
	})
}

// credit performs the atomic crediting step: insert the record and bump the
// balance in one unit of work. A uniqueness violation means a concurrent
// duplicate won the race; it is reported as already claimed, never as a
// second credit.
func (s *Service) credit(ctx context.Context, rec deposit.Record) (deposit.Record, error) {
	created, err := s.store.CreditDeposit(ctx, rec)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			metrics.RecordDepositOutcome("duplicate")
			return deposit.Record{}, svcerrors.AlreadyClaimed(rec.TxHash)
		case errors.Is(err, storage.ErrNotFound):
			metrics.RecordDepositOutcome("unavailable")
			return deposit.Record{}, svcerrors.NotFound("principal")
		default:
			metrics.RecordDepositOutcome("unavailable")
			return deposit.Record{}, svcerrors.Unavailable("record store", err)
		}
	}

	metrics.RecordDepositOutcome("credited")
	metrics.RecordDepositCredited(created.Amount)
	return created, nil
}

// History returns the principal's accepted deposits, newest first.
func (s *Service) History(ctx context.Context, principalID string) ([]deposit.Record, error) {
	records, err := s.store.ListDeposits(ctx, principalID)
	if err != nil {
		return nil, svcerrors.Unavailable("record store", err)
	}
	return records, nil
}

type transferEvent struct {
	from   string
	amount *big.Int
}

// matchTransfer scans the receipt logs for a transfer event emitted by the
// configured token contract with the treasury as destination. The sender
// and amount come exclusively from that log.
func (s *Service) matchTransfer(receipt *chain.Receipt) (transferEvent, error) {
	tokenContract := strings.ToLower(s.cfg.TokenContract)
	treasury := strings.ToLower(s.cfg.TreasuryAddress)

	for _, entry := range receipt.Logs {
		if strings.ToLower(entry.Address) != tokenContract {
			continue
		}
		if len(entry.Topics) < 3 || strings.ToLower(entry.Topics[0]) != TransferEventSignature {
			continue
		}
		to, err := entry.TopicAddress(2)
		if err != nil || to != treasury {
			continue
		}
		from, err := entry.TopicAddress(1)
		if err != nil {
			continue
		}
		amount, err := entry.DataAmount()
		if err != nil {
			continue
		}
		return transferEvent{from: from, amount: amount}, nil
	}
	return transferEvent{}, svcerrors.NoMatchingTransfer()
}

// scaleAmount converts a raw on-chain integer into credit-cents:
// floor(raw * 10^balanceScale / 10^decimals), computed in big.Int.
func (s *Service) scaleAmount(raw *big.Int) (int64, error) {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(balanceScale), nil)
	scaled := new(big.Int).Mul(raw, scale)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.TokenDecimals)), nil)
	scaled.Quo(scaled, divisor)

	if !scaled.IsInt64() {
		return 0, svcerrors.AmountOutOfBounds(0, s.cfg.MinAmount, s.cfg.MaxAmount).
			WithDetails("reason", "amount exceeds representable range")
	}
	amount := scaled.Int64()
	if amount < s.cfg.MinAmount || amount > s.cfg.MaxAmount {
		return 0, svcerrors.AmountOutOfBounds(amount, s.cfg.MinAmount, s.cfg.MaxAmount)
	}
	return amount, nil
}
