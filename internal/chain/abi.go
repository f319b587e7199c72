package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract ABIs. The factory deploys one escrow contract per order; the token
// is the marketplace's internal fungible token whose burn backs fiat payouts.
const factoryABIJSON = `[
	{"type":"function","name":"createEscrow","stateMutability":"nonpayable",
		"inputs":[
			{"name":"buyer","type":"address"},
			{"name":"seller","type":"address"},
			{"name":"arbitrator","type":"address"},
			{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"NewEscrowCreated","anonymous":false,
		"inputs":[
			{"name":"escrowContractAddress","type":"address","indexed":false},
			{"name":"buyer","type":"address","indexed":false},
			{"name":"seller","type":"address","indexed":false},
			{"name":"amount","type":"uint256","indexed":false}]}
]`

const escrowABIJSON = `[
	{"type":"function","name":"buyer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"seller","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"arbitrator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"amount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"currentState","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"buyerConfirmedDelivery","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"creationTimestamp","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[{"name":"winner","type":"address"}],"outputs":[]},
	{"type":"function","name":"claimFundsAfterTimeout","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

const tokenABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Burn","anonymous":false,
		"inputs":[
			{"name":"from","type":"address","indexed":true},
			{"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	factoryABI = mustABI(factoryABIJSON)
	escrowABI  = mustABI(escrowABIJSON)
	tokenABI   = mustABI(tokenABIJSON)

	newEscrowCreatedID = factoryABI.Events["NewEscrowCreated"].ID
	burnEventID        = tokenABI.Events["Burn"].ID
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// newEscrowCreatedEvent is the decoded factory event.
type newEscrowCreatedEvent struct {
	EscrowContractAddress common.Address
	Buyer                 common.Address
	Seller                common.Address
	Amount                *big.Int
}

// decodeNewEscrowCreated scans receipt logs for the factory's
// NewEscrowCreated event.
func decodeNewEscrowCreated(factoryAddr common.Address, logs []*types.Log) (*newEscrowCreatedEvent, error) {
	for _, entry := range logs {
		if entry.Address != factoryAddr || len(entry.Topics) == 0 || entry.Topics[0] != newEscrowCreatedID {
			continue
		}
		var event newEscrowCreatedEvent
		if err := factoryABI.UnpackIntoInterface(&event, "NewEscrowCreated", entry.Data); err != nil {
			return nil, fmt.Errorf("unpack NewEscrowCreated: %w", err)
		}
		return &event, nil
	}
	return nil, fmt.Errorf("NewEscrowCreated event not found in receipt")
}

// decodeBurn scans receipt logs for the token's Burn event and returns the
// author and amount.
func decodeBurn(tokenAddr common.Address, logs []*types.Log) (common.Address, *big.Int, error) {
	for _, entry := range logs {
		if entry.Address != tokenAddr || len(entry.Topics) < 2 || entry.Topics[0] != burnEventID {
			continue
		}
		from := common.BytesToAddress(entry.Topics[1].Bytes())
		values, err := tokenABI.Unpack("Burn", entry.Data)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("unpack Burn: %w", err)
		}
		if len(values) != 1 {
			return common.Address{}, nil, fmt.Errorf("unexpected Burn event arity %d", len(values))
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return common.Address{}, nil, fmt.Errorf("unexpected Burn amount type %T", values[0])
		}
		return from, amount, nil
	}
	return common.Address{}, nil, fmt.Errorf("Burn event not found in receipt")
}

// EscrowMethod names a user-signed escrow transition.
type EscrowMethod string

const (
	MethodConfirmDelivery EscrowMethod = "confirmDelivery"
	MethodRelease         EscrowMethod = "releaseFunds"
	MethodDispute         EscrowMethod = "raiseDispute"
	MethodClaimTimeout    EscrowMethod = "claimFundsAfterTimeout"
)
