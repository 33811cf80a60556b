package authz

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/xiaot623/paychat/internal/domain"
)

const sessionAuthorizationType = "SessionAuthorization"

var sessionAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	sessionAuthorizationType: {
		{Name: "version", Type: "string"},
		{Name: "agentId", Type: "string"},
		{Name: "payer", Type: "address"},
		{Name: "endpointType", Type: "string"},
		{Name: "endpointUrl", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "issuedAt", Type: "uint256"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "nonce", Type: "string"},
	},
}

// SessionTypedData builds the EIP-712 document for a session authorization.
func SessionTypedData(appName string, p domain.SessionAuthorizationPayload) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       sessionAuthorizationTypes,
		PrimaryType: sessionAuthorizationType,
		Domain: apitypes.TypedDataDomain{
			Name:    appName,
			Version: "1",
			ChainId: math.NewHexOrDecimal256(p.ChainID),
		},
		Message: apitypes.TypedDataMessage{
			"version":      p.Version,
			"agentId":      p.AgentID,
			"payer":        domain.NormalizeAddress(p.Payer),
			"endpointType": p.EndpointType,
			"endpointUrl":  p.EndpointURL,
			"chainId":      strconv.FormatInt(p.ChainID, 10),
			"issuedAt":     strconv.FormatInt(p.IssuedAt, 10),
			"expiresAt":    strconv.FormatInt(p.ExpiresAt, 10),
			"nonce":        p.Nonce,
		},
	}
}

// TypedDataHash returns the EIP-712 digest of a session authorization.
func TypedDataHash(appName string, p domain.SessionAuthorizationPayload) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(SessionTypedData(appName, p))
	return hash, err
}
