package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// CurrencyCode is the ticker of a supported cryptocurrency.
type CurrencyCode string

const (
	BTC CurrencyCode = "BTC"
	ETH CurrencyCode = "ETH"
	LTC CurrencyCode = "LTC"
	SOL CurrencyCode = "SOL"
)

// String returns the string representation of CurrencyCode.
func (c CurrencyCode) String() string {
	return string(c)
}

// Network selects mainnet or testnet coin identifiers and address formats.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// IsValid checks if the network is a valid value.
func (n Network) IsValid() bool {
	return n == Mainnet || n == Testnet
}

// Currency is a supported settlement asset. The set of implementations is
// closed: every variant lives in this file.
type Currency interface {
	Code() CurrencyCode
	// CoinIdentifier is the custody API coin name (e.g. "btc", "tbtc").
	CoinIdentifier() string
	// WalletHandle is the custody wallet that pays out this currency.
	WalletHandle() string
	// ValidateAddress returns ErrInvalidWalletAddress if addr cannot receive this currency.
	ValidateAddress(addr string) error
	// Decimals is the number of fractional digits of the base unit.
	Decimals() int32

	sealed()
}

// Bitcoin settles through the custody wallet configured for BTC.
type Bitcoin struct {
	Network Network
	Wallet  string
}

func (Bitcoin) Code() CurrencyCode { return BTC }
func (Bitcoin) Decimals() int32    { return 8 }
func (b Bitcoin) WalletHandle() string {
	return b.Wallet
}
func (b Bitcoin) CoinIdentifier() string {
	if b.Network == Testnet {
		return "tbtc"
	}
	return "btc"
}
func (b Bitcoin) ValidateAddress(addr string) error {
	if b.Network == Testnet {
		return validateUTXOAddress(addr, []byte{0x6f, 0xc4}, "tb1")
	}
	return validateUTXOAddress(addr, []byte{0x00, 0x05}, "bc1")
}
func (Bitcoin) sealed() {}

// Litecoin settles through the custody wallet configured for LTC.
type Litecoin struct {
	Network Network
	Wallet  string
}

func (Litecoin) Code() CurrencyCode { return LTC }
func (Litecoin) Decimals() int32    { return 8 }
func (l Litecoin) WalletHandle() string {
	return l.Wallet
}
func (l Litecoin) CoinIdentifier() string {
	if l.Network == Testnet {
		return "tltc"
	}
	return "ltc"
}
func (l Litecoin) ValidateAddress(addr string) error {
	if l.Network == Testnet {
		return validateUTXOAddress(addr, []byte{0x6f, 0xc4, 0x3a}, "tltc1")
	}
	return validateUTXOAddress(addr, []byte{0x30, 0x32, 0x05}, "ltc1")
}
func (Litecoin) sealed() {}

// Ethereum settles through the custody wallet configured for ETH.
type Ethereum struct {
	Network Network
	Wallet  string
}

func (Ethereum) Code() CurrencyCode { return ETH }
func (Ethereum) Decimals() int32    { return 18 }
func (e Ethereum) WalletHandle() string {
	return e.Wallet
}
func (e Ethereum) CoinIdentifier() string {
	if e.Network == Testnet {
		return "teth"
	}
	return "eth"
}
func (Ethereum) ValidateAddress(addr string) error {
	return validateEthereumAddress(addr)
}
func (Ethereum) sealed() {}

// Solana settles through the custody wallet configured for SOL. Its hot
// wallet balance is also readable directly from a Solana RPC node.
type Solana struct {
	Network Network
	Wallet  string
	// HotWallet is the on-chain address backing Wallet.
	HotWallet string
}

func (Solana) Code() CurrencyCode { return SOL }
func (Solana) Decimals() int32    { return 9 }
func (s Solana) WalletHandle() string {
	return s.Wallet
}
func (s Solana) CoinIdentifier() string {
	if s.Network == Testnet {
		return "tsol"
	}
	return "sol"
}
func (Solana) ValidateAddress(addr string) error {
	return validateSolanaAddress(addr)
}
func (Solana) sealed() {}

// Currencies is the registry of enabled settlement assets.
type Currencies struct {
	byCode map[CurrencyCode]Currency
}

// NewCurrencies builds a registry from the given variants. Later entries
// replace earlier ones with the same code.
func NewCurrencies(list ...Currency) *Currencies {
	r := &Currencies{byCode: make(map[CurrencyCode]Currency, len(list))}
	for _, c := range list {
		r.byCode[c.Code()] = c
	}
	return r
}

// DefaultCurrencies enables BTC, ETH and LTC on the given network with the
// supplied wallet ids keyed by code. SOL is enabled only if a wallet is given.
func DefaultCurrencies(network Network, wallets map[CurrencyCode]string, solHotWallet string) *Currencies {
	list := []Currency{
		Bitcoin{Network: network, Wallet: wallets[BTC]},
		Ethereum{Network: network, Wallet: wallets[ETH]},
		Litecoin{Network: network, Wallet: wallets[LTC]},
	}
	if w, ok := wallets[SOL]; ok && w != "" {
		list = append(list, Solana{Network: network, Wallet: w, HotWallet: solHotWallet})
	}
	return NewCurrencies(list...)
}

// Lookup returns the variant for code. Lookup is case-insensitive.
func (r *Currencies) Lookup(code string) (Currency, error) {
	c, ok := r.byCode[CurrencyCode(strings.ToUpper(strings.TrimSpace(code)))]
	if !ok {
		return nil, ErrUnsupportedCurrency.Wrapf("%q", code)
	}
	return c, nil
}

// Codes returns the enabled currency codes in sorted order.
func (r *Currencies) Codes() []CurrencyCode {
	codes := make([]CurrencyCode, 0, len(r.byCode))
	for c := range r.byCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// validateUTXOAddress accepts base58check addresses with one of the given
// version bytes, or a lowercase bech32 address with the given prefix.
func validateUTXOAddress(addr string, versions []byte, bech32Prefix string) error {
	if addr == "" {
		return ErrInvalidWalletAddress.Wrapf("empty address")
	}

	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, bech32Prefix) {
		if addr != lower && addr != strings.ToUpper(addr) {
			return ErrInvalidWalletAddress.Wrapf("mixed case bech32 address")
		}
		data := lower[len(bech32Prefix):]
		if len(lower) < 14 || len(lower) > 90 || len(data) < 6 {
			return ErrInvalidWalletAddress.Wrapf("bech32 address length %d", len(lower))
		}
		for _, r := range data {
			if !strings.ContainsRune(bech32Charset, r) {
				return ErrInvalidWalletAddress.Wrapf("invalid bech32 character %q", r)
			}
		}
		return nil
	}

	decoded, err := base58.Decode(addr)
	if err != nil {
		return ErrInvalidWalletAddress.Wrap(err)
	}
	if len(decoded) != 25 {
		return ErrInvalidWalletAddress.Wrapf("decoded length %d", len(decoded))
	}
	payload, checksum := decoded[:21], decoded[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], checksum) {
		return ErrInvalidWalletAddress.Wrapf("checksum mismatch")
	}
	if bytes.IndexByte(versions, payload[0]) < 0 {
		return ErrInvalidWalletAddress.Wrapf("unexpected version byte 0x%02x", payload[0])
	}
	return nil
}

// validateEthereumAddress accepts 0x-prefixed 20-byte hex. Mixed-case input
// must carry a valid EIP-55 checksum.
func validateEthereumAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return ErrInvalidWalletAddress.Wrapf("missing 0x prefix")
	}
	body := addr[2:]
	if len(body) != 40 {
		return ErrInvalidWalletAddress.Wrapf("expected 40 hex characters, got %d", len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return ErrInvalidWalletAddress.Wrap(err)
	}
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if body != eip55(body) {
		return ErrInvalidWalletAddress.Wrapf("bad checksum")
	}
	return nil
}

func eip55(body string) string {
	lower := strings.ToLower(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	hash := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i := range out {
		if out[i] >= 'a' && out[i] <= 'f' && hash[i] >= '8' {
			out[i] -= 'a' - 'A'
		}
	}
	return string(out)
}

// validateSolanaAddress accepts base58 public keys that lie on the ed25519
// curve. Program derived addresses are rejected because they cannot sign.
func validateSolanaAddress(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return ErrInvalidWalletAddress.Wrap(err)
	}
	if len(decoded) != 32 {
		return ErrInvalidWalletAddress.Wrapf("decoded length %d", len(decoded))
	}
	if _, err := new(edwards25519.Point).SetBytes(decoded); err != nil {
		return ErrInvalidWalletAddress.Wrap(fmt.Errorf("not an ed25519 public key: %w", err))
	}
	return nil
}
