// Package currency models the two payment rails a session can settle in:
// the chain's native currency or an ERC-20 token identified by its contract
// address. Sessions fix their currency at creation and every price, deposit
// and fee is denominated in it.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type Kind uint8

const (
	Native Kind = iota
	Token
)

var ErrInvalidCurrency = errors.New("invalid currency")

// Currency is a tagged union over {native, token(address)}. The zero value
// is the native currency.
type Currency struct {
	Kind  Kind
	Token common.Address
}

func NewNative() Currency { return Currency{Kind: Native} }

func NewToken(addr common.Address) Currency {
	return Currency{Kind: Token, Token: addr}
}

// String renders the canonical wire/storage form: "native" or
// "erc20:0x<checksummed address>".
func (c Currency) String() string {
	switch c.Kind {
	case Native:
		return "native"
	case Token:
		return "erc20:" + c.Token.Hex()
	default:
		return "invalid"
	}
}

// Key returns the form used in Redis key segments. Lowercased so that two
// spellings of the same token address map to one balance.
func (c Currency) Key() string {
	switch c.Kind {
	case Native:
		return "native"
	case Token:
		return "erc20:" + strings.ToLower(c.Token.Hex())
	default:
		return "invalid"
	}
}

func (c Currency) IsNative() bool { return c.Kind == Native }

func (c Currency) Equal(o Currency) bool {
	return c.Kind == o.Kind && c.Token == o.Token
}

// Parse accepts the canonical string form, case-insensitively for the
// token address part.
func Parse(s string) (Currency, error) {
	if s == "native" {
		return NewNative(), nil
	}
	rest, ok := strings.CutPrefix(s, "erc20:")
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	if !common.IsHexAddress(rest) {
		return Currency{}, fmt.Errorf("%w: bad token address %q", ErrInvalidCurrency, rest)
	}
	return NewToken(common.HexToAddress(rest)), nil
}

func (c Currency) MarshalText() ([]byte, error) {
	if c.Kind != Native && c.Kind != Token {
		return nil, ErrInvalidCurrency
	}
	return []byte(c.String()), nil
}

func (c *Currency) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
