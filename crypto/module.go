package crypto

import ethcrypto "github.com/ethereum/go-ethereum/crypto"

// ModuleAddress derives the deterministic custody address for a named
// protocol module. No key exists for these accounts; only module code can
// move value out of them.
func ModuleAddress(name string) Address {
	digest := ethcrypto.Keccak256([]byte("vouchlend/module/" + name))
	var addr Address
	copy(addr[:], digest[12:])
	return addr
}
