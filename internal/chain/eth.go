package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/money"
)

// escrowABI is the escrow factory program's interface: one factory contract
// creates per-order escrow accounts and manages their lifecycle.
const escrowABI = `[
	{"inputs":[{"name":"orderRef","type":"bytes32"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],"name":"createEscrow","outputs":[{"name":"escrow","type":"address"}],"type":"function"},
	{"inputs":[{"name":"escrow","type":"address"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrow","type":"address"}],"name":"lock","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrow","type":"address"}],"name":"unlock","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrow","type":"address"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrow","type":"address"}],"name":"getEscrow","outputs":[{"name":"status","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"orderRef","type":"bytes32"},{"indexed":false,"name":"escrow","type":"address"}],"name":"EscrowCreated","type":"event"}
]`

const (
	defaultGasLimit          = uint64(300000)
	confirmationTimeout      = 45 * time.Second
	confirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EthConfig configures the Ethereum-backed escrow adapter.
type EthConfig struct {
	RPCURL        string
	PrivateKey    string // operator key, hex with or without 0x prefix
	ChainID       int64
	FactoryAddr   string
	Blockchain    string // label stored on EscrowRecord, e.g. "base-sepolia"
	TokenDecimals int
}

// Eth submits escrow operations to the factory contract with the operator
// key and waits for mining before reporting success.
type Eth struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	operator      common.Address
	chainID       *big.Int
	factory       common.Address
	abi           abi.ABI
	blockchain    string
	tokenDecimals int
	logger        *slog.Logger
}

// EthOption configures the adapter.
type EthOption func(*Eth)

// WithClient sets a custom client (useful for testing).
func WithClient(client EthClient) EthOption {
	return func(e *Eth) { e.client = client }
}

// NewEth creates the Ethereum escrow adapter.
func NewEth(cfg EthConfig, logger *slog.Logger, opts ...EthOption) (*Eth, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: RPC URL required")
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, errors.New("chain: operator key must be 64 hex characters")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.FactoryAddr) {
		return nil, fmt.Errorf("%w: factory %q", ErrInvalidAddress, cfg.FactoryAddr)
	}
	if logger == nil {
		logger = slog.Default()
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid operator key: %w", err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("chain: failed to derive operator public key")
	}
	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}

	e := &Eth{
		privateKey:    privateKey,
		operator:      crypto.PubkeyToAddress(*publicKey),
		chainID:       big.NewInt(cfg.ChainID),
		factory:       common.HexToAddress(cfg.FactoryAddr),
		abi:           parsedABI,
		blockchain:    cfg.Blockchain,
		tokenDecimals: cfg.TokenDecimals,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, faults.Unavailable("chain", err)
		}
		e.client = client
	}
	return e, nil
}

func (e *Eth) CreateEscrow(ctx context.Context, orderID, buyerAddr, sellerAddr string, amount money.Amount) (*CreateResult, error) {
	if !common.IsHexAddress(buyerAddr) {
		return nil, faults.Rejected("chain", fmt.Sprintf("invalid buyer address %q", buyerAddr), ErrInvalidAddress)
	}
	if !common.IsHexAddress(sellerAddr) {
		return nil, faults.Rejected("chain", fmt.Sprintf("invalid seller address %q", sellerAddr), ErrInvalidAddress)
	}

	orderRef := orderRefHash(orderID)
	data, err := e.abi.Pack("createEscrow", orderRef,
		common.HexToAddress(buyerAddr), common.HexToAddress(sellerAddr),
		ToChainUnits(amount, e.tokenDecimals))
	if err != nil {
		return nil, fmt.Errorf("chain: pack createEscrow: %w", err)
	}

	receipt, txHash, err := e.submit(ctx, data)
	if err != nil {
		return nil, err
	}

	addr, err := e.escrowAddressFromLogs(receipt, orderRef)
	if err != nil {
		return nil, faults.Inconsistent(orderID, fmt.Sprintf("createEscrow mined in %s but no EscrowCreated log found", txHash))
	}
	return &CreateResult{EscrowAddress: addr, TxHash: txHash}, nil
}

func (e *Eth) ReleaseEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error) {
	return e.call(ctx, "release", escrowAddress)
}

func (e *Eth) LockEscrow(ctx context.Context, escrowAddress, reason string) (*TxResult, error) {
	return e.call(ctx, "lock", escrowAddress)
}

func (e *Eth) UnlockEscrow(ctx context.Context, escrowAddress string) (*TxResult, error) {
	return e.call(ctx, "unlock", escrowAddress)
}

func (e *Eth) RefundEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error) {
	return e.call(ctx, "refund", escrowAddress)
}

func (e *Eth) GetStatus(ctx context.Context, escrowAddress string) (*EscrowState, error) {
	if !common.IsHexAddress(escrowAddress) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, escrowAddress)
	}
	data, err := e.abi.Pack("getEscrow", common.HexToAddress(escrowAddress))
	if err != nil {
		return nil, fmt.Errorf("chain: pack getEscrow: %w", err)
	}

	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.factory, Data: data}, nil)
	if err != nil {
		return nil, faults.Unavailable("chain", fmt.Errorf("getEscrow: %w", err))
	}

	out, err := e.abi.Unpack("getEscrow", result)
	if err != nil || len(out) != 4 {
		return nil, fmt.Errorf("chain: unpack getEscrow: %w", err)
	}
	status, _ := out[0].(uint8)
	amount, _ := out[1].(*big.Int)
	buyer, _ := out[2].(common.Address)
	seller, _ := out[3].(common.Address)

	return &EscrowState{
		Status: decodeStatus(status),
		Amount: amount,
		Buyer:  buyer.Hex(),
		Seller: seller.Hex(),
	}, nil
}

func (e *Eth) Capabilities() Capabilities {
	return Capabilities{Name: "ethereum", Blockchain: e.blockchain, Simulated: false}
}

func (e *Eth) call(ctx context.Context, method, escrowAddress string) (*TxResult, error) {
	if !common.IsHexAddress(escrowAddress) {
		return nil, faults.Rejected("chain", fmt.Sprintf("invalid escrow address %q", escrowAddress), ErrInvalidAddress)
	}
	data, err := e.abi.Pack(method, common.HexToAddress(escrowAddress))
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	_, txHash, err := e.submit(ctx, data)
	if err != nil {
		return nil, err
	}
	return &TxResult{TxHash: txHash}, nil
}

// submit signs and sends a factory transaction, then waits for it to be
// mined. A timeout here means in-doubt, not failed; the caller defers to
// reconciliation.
func (e *Eth) submit(ctx context.Context, data []byte) (*types.Receipt, string, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.operator)
	if err != nil {
		return nil, "", faults.Unavailable("chain", fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", faults.Unavailable("chain", fmt.Errorf("gas price: %w", err))
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.operator,
		To:   &e.factory,
		Data: data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.factory, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return nil, "", fmt.Errorf("chain: sign: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, "", faults.Unavailable("chain", fmt.Errorf("send: %w", err))
	}
	txHash := signedTx.Hash()

	receipt, err := e.waitMined(ctx, txHash)
	if err != nil {
		return nil, txHash.Hex(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, txHash.Hex(), faults.Rejected("chain", fmt.Sprintf("transaction %s reverted", txHash.Hex()), nil)
	}
	return receipt, txHash.Hex(), nil
}

func (e *Eth) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			// The transaction may still land. Report in-doubt.
			return nil, faults.Unavailable("chain",
				fmt.Errorf("confirmation of %s timed out, outcome in doubt: %w", txHash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (e *Eth) escrowAddressFromLogs(receipt *types.Receipt, orderRef common.Hash) (string, error) {
	eventID := e.abi.Events["EscrowCreated"].ID
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != eventID || log.Topics[1] != orderRef {
			continue
		}
		out, err := e.abi.Events["EscrowCreated"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil || len(out) != 1 {
			return "", fmt.Errorf("chain: unpack EscrowCreated: %w", err)
		}
		addr, ok := out[0].(common.Address)
		if !ok {
			return "", errors.New("chain: EscrowCreated payload is not an address")
		}
		return addr.Hex(), nil
	}
	return "", errors.New("chain: EscrowCreated log not found")
}

func orderRefHash(orderID string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderID))
}

func decodeStatus(s uint8) EscrowStatus {
	switch s {
	case 0:
		return StatusHeld
	case 1:
		return StatusLocked
	case 2:
		return StatusReleased
	case 3:
		return StatusRefunded
	default:
		return StatusUnknown
	}
}

// Compile-time assertion that Eth implements Chain.
var _ Chain = (*Eth)(nil)
