// Package authz verifies payer-signed session authorizations.
package authz

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xiaot623/paychat/internal/domain"
)

const (
	DefaultMaxLifetime = 15 * time.Minute
	DefaultClockSkew   = 30 * time.Second

	minNonceBytes = 16
)

// Rejection reasons reported in VerifyResult.Reason.
const (
	ReasonBadVersion      = "unsupported authorization version"
	ReasonBadWindow       = "expires_at must be after issued_at"
	ReasonTooLong         = "authorization lifetime too long"
	ReasonNotYetValid     = "authorization issued in the future"
	ReasonExpired         = "authorization expired"
	ReasonBadNonce        = "nonce must be at least 16 random bytes in hex"
	ReasonMissingAgent    = "agent_id is required"
	ReasonMissingEndpoint = "endpoint_url is required"
	ReasonBadPayer        = "payer is not a valid address"
	ReasonChainMismatch   = "chain_id mismatch"
	ReasonBadSignature    = "malformed signature"
	ReasonUnknownKind     = "unknown signature kind"
	ReasonSignerMismatch  = "signature does not recover payer"
)

// VerifyResult reports whether an authorization is acceptable and, if not, why.
type VerifyResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func reject(reason string) VerifyResult {
	return VerifyResult{Reason: reason}
}

// Verifier checks session authorizations. It holds no state besides its
// configuration and is safe for concurrent use.
type Verifier struct {
	AppName     string
	ChainID     int64
	MaxLifetime time.Duration
	ClockSkew   time.Duration
	Now         func() time.Time
}

// NewVerifier creates a verifier bound to an application name and chain. A
// zero chainID accepts any chain.
func NewVerifier(appName string, chainID int64) *Verifier {
	return &Verifier{
		AppName:     appName,
		ChainID:     chainID,
		MaxLifetime: DefaultMaxLifetime,
		ClockSkew:   DefaultClockSkew,
		Now:         time.Now,
	}
}

// Verify validates the payload window and fields, then checks that sig
// recovers the payer address.
func (v *Verifier) Verify(p domain.SessionAuthorizationPayload, sig domain.Signature) VerifyResult {
	if p.Version != domain.SessionAuthVersion {
		return reject(ReasonBadVersion)
	}
	if p.ExpiresAt <= p.IssuedAt {
		return reject(ReasonBadWindow)
	}
	if time.Duration(p.ExpiresAt-p.IssuedAt)*time.Millisecond > v.MaxLifetime {
		return reject(ReasonTooLong)
	}
	now := v.now().UnixMilli()
	skew := v.ClockSkew.Milliseconds()
	if p.IssuedAt > now+skew {
		return reject(ReasonNotYetValid)
	}
	if now > p.ExpiresAt+skew {
		return reject(ReasonExpired)
	}
	if !validNonce(p.Nonce) {
		return reject(ReasonBadNonce)
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return reject(ReasonMissingAgent)
	}
	if strings.TrimSpace(p.EndpointURL) == "" {
		return reject(ReasonMissingEndpoint)
	}
	if !common.IsHexAddress(p.Payer) {
		return reject(ReasonBadPayer)
	}
	if v.ChainID != 0 && p.ChainID != v.ChainID {
		return reject(ReasonChainMismatch)
	}

	hash, err := SigningHash(sig.Kind, v.AppName, p)
	if err != nil {
		return reject(err.Error())
	}
	signer, err := recoverAddress(hash, sig.Value)
	if err != nil {
		return reject(ReasonBadSignature)
	}
	if signer != common.HexToAddress(p.Payer) {
		return reject(ReasonSignerMismatch)
	}
	return VerifyResult{OK: true}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// SigningHash returns the digest a payer signs for the given scheme.
func SigningHash(kind domain.SignatureKind, appName string, p domain.SessionAuthorizationPayload) ([]byte, error) {
	switch kind {
	case domain.SignatureKindPersonal:
		return accounts.TextHash([]byte(CanonicalMessage(appName, p))), nil
	case domain.SignatureKindTypedData:
		hash, err := TypedDataHash(appName, p)
		if err != nil {
			return nil, fmt.Errorf("typed data: %w", err)
		}
		return hash, nil
	default:
		return nil, fmt.Errorf("%s: %q", ReasonUnknownKind, kind)
	}
}

// CanonicalMessage renders the human-readable text signed with personal_sign.
func CanonicalMessage(appName string, p domain.SessionAuthorizationPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s session authorization\n\n", appName)
	fmt.Fprintf(&b, "Version: %s\n", p.Version)
	fmt.Fprintf(&b, "Agent: %s\n", p.AgentID)
	fmt.Fprintf(&b, "Payer: %s\n", domain.NormalizeAddress(p.Payer))
	fmt.Fprintf(&b, "Endpoint Type: %s\n", p.EndpointType)
	fmt.Fprintf(&b, "Endpoint URL: %s\n", p.EndpointURL)
	fmt.Fprintf(&b, "Chain ID: %d\n", p.ChainID)
	fmt.Fprintf(&b, "Issued At: %d\n", p.IssuedAt)
	fmt.Fprintf(&b, "Expires At: %d\n", p.ExpiresAt)
	fmt.Fprintf(&b, "Nonce: %s", p.Nonce)
	return b.String()
}

// Sign signs the payload with key under the given scheme. Used by the CLI and tests.
func Sign(kind domain.SignatureKind, appName string, p domain.SessionAuthorizationPayload, key *ecdsa.PrivateKey) (domain.Signature, error) {
	hash, err := SigningHash(kind, appName, p)
	if err != nil {
		return domain.Signature{}, err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return domain.Signature{}, err
	}
	return domain.Signature{Kind: kind, Value: hexutil.Encode(sig)}, nil
}

func recoverAddress(hash []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func validNonce(nonce string) bool {
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	return err == nil && len(raw) >= minNonceBytes
}
