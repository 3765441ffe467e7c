// Package ton is the chain access layer: address checks, wallet resolution,
// serialized transfer signing and the inbound transfer feed.
package ton

import (
	"bytes"
	"strings"

	"github.com/xssnick/tonutils-go/address"

	"github.com/blackmirrow/market/internal/models"
)

// ParseAddress accepts user-friendly (base64, checksummed) and raw "wc:hex" forms.
func ParseAddress(s string) (*address.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, models.ErrInvalidAddress
	}
	if a, err := address.ParseAddr(s); err == nil {
		return a, nil
	}
	if a, err := address.ParseRawAddr(s); err == nil {
		return a, nil
	}
	return nil, models.ErrInvalidAddress
}

// SameAddress compares two addresses by workchain and account id, ignoring
// the bounce and testnet flags of the friendly form.
func SameAddress(a, b string) bool {
	pa, err := ParseAddress(a)
	if err != nil {
		return false
	}
	pb, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return pa.Workchain() == pb.Workchain() && bytes.Equal(pa.Data(), pb.Data())
}
