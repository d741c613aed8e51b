package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/orbitcex/core/pkg/xerrors"
)

// evmAssets lists the assets whose withdrawal/deposit addresses are
// EVM-style hex addresses, checked with go-ethereum's checksum-aware
// validator the same way the teacher's EVMAdapter (internal/wallet/
// evm_adapter.go) constructs addresses via common.HexToAddress. Assets not
// listed here fall through to a minimal non-empty check: their network
// validation is out of scope (no non-EVM chain adapter is wired).
var evmAssets = map[string]bool{
	"ETH":  true,
	"USDT": true,
	"ALT":  true,
}

// ValidateAddress checks that address is well-formed for asset's network.
func ValidateAddress(asset, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return xerrors.ErrInvalidOrder.Explain("withdrawal address must not be empty")
	}
	if evmAssets[asset] {
		if !common.IsHexAddress(address) {
			return xerrors.ErrInvalidOrder.Explain("%q is not a valid address for %s", address, asset)
		}
	}
	return nil
}
