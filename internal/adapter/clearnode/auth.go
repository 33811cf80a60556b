package clearnode

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/xiaot623/paychat/internal/domain"
)

const defaultAuthTTL = time.Hour

// authParams describe the session key grant requested from the broker.
type authParams struct {
	Application string
	Scope       string
	Allowances  []Allowance
	TTL         time.Duration
}

// authenticate runs auth_request -> auth_challenge -> auth_verify, signing the
// challenge as an EIP-712 Policy with the operator key.
func (s *rpcSession) authenticate(ctx context.Context, p authParams) error {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = defaultAuthTTL
	}
	allowances := p.Allowances
	if allowances == nil {
		allowances = []Allowance{}
	}
	wallet := s.signer.Address().Hex()
	req := AuthRequestRequest{
		Address:     wallet,
		SessionKey:  wallet,
		Application: p.Application,
		Allowances:  allowances,
		ExpiresAt:   uint64(s.now().Add(ttl).Unix()),
		Scope:       p.Scope,
	}

	var challenge AuthChallengeResponse
	if err := s.call(ctx, AuthRequestMethod, req, &challenge); err != nil {
		return authError(err)
	}

	hash, _, err := apitypes.TypedDataAndHash(policyTypedData(req, challenge.ChallengeMessage.String()))
	if err != nil {
		return fmt.Errorf("%w: policy typed data: %v", domain.ErrBridgeAuth, err)
	}
	sign := func(Payload) (string, error) { return s.signer.SignHash(hash) }

	var verified AuthVerifyResponse
	if err := s.callSigned(ctx, AuthVerifyMethod, AuthVerifyRequest{Challenge: challenge.ChallengeMessage}, &verified, sign); err != nil {
		return authError(err)
	}
	if !verified.Success {
		return fmt.Errorf("%w: broker rejected challenge signature", domain.ErrBridgeAuth)
	}
	return nil
}

func authError(err error) error {
	if _, ok := err.(*RPCError); ok {
		return fmt.Errorf("%w: %w", domain.ErrBridgeAuth, err)
	}
	return err
}

func policyTypedData(req AuthRequestRequest, challenge string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(req.Allowances))
	for _, a := range req.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: req.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       req.Scope,
			"wallet":      req.Address,
			"session_key": req.SessionKey,
			"expires_at":  strconv.FormatUint(req.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}
