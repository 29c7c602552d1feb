package http

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// createReq is the JSON schema for POST routeSLAs
type createReq struct {
	EscrowAmount  string `json:"escrow_amount"`  // decimal or 0x-hex base units
	VerifierStake string `json:"verifier_stake"` // decimal or 0x-hex base units
	Description   string `json:"description"`
}

// bidReq is the JSON schema for POST routeBids
type bidReq struct {
	Amount string `json:"amount"`
}

// selectReq is the JSON schema for POST routeWorker
type selectReq struct {
	Worker string `json:"worker"` // 0x-hex address
}

// verifyReq is the JSON schema for POST routeVerifications
type verifyReq struct {
	Decision string `json:"decision"` // APPROVE | REJECT (or 1 | 2)
}

// approveReq is the JSON schema for POST routeApprove
type approveReq struct {
	Amount string `json:"amount"`
}

// faucetReq is the JSON schema for POST routeFaucet
type faucetReq struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type bidResp struct {
	SLAID  uint64       `json:"sla_id"`
	Worker string       `json:"worker"`
	Amount *uint256.Int `json:"amount"`
}

type accountResp struct {
	Address   string       `json:"address"`
	Balance   *uint256.Int `json:"balance"`
	Allowance *uint256.Int `json:"allowance"`
	Spender   string       `json:"spender"`
}

func parseAmount(field, v string) (*uint256.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	var (
		amount *uint256.Int
		err    error
	)
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		amount, err = uint256.FromHex(v)
	} else {
		amount, err = uint256.FromDecimal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}
