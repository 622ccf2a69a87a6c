package ledger

import "strings"

// Address identifies a holder or a token. Addresses are compared
// case-insensitively and stored in lower case.
type Address string

// ZeroAddress is the source of mints and the sink of burns.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress normalises a textual address.
func ParseAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

func (a Address) IsZero() bool {
	return a == "" || a == ZeroAddress
}

func (a Address) String() string {
	return string(a)
}
