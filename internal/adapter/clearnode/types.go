// Package clearnode bridges settled chat usage into application sessions on a
// ClearNode broker speaking NitroRPC over websocket.
package clearnode

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Version is the NitroRPC protocol version of an application definition.
type Version string

// VersionNitroRPCv0_4 carries intents and explicit versions on state updates.
const VersionNitroRPCv0_4 Version = "NitroRPC/0.4"

// Method is an RPC method name.
type Method string

const (
	ErrorMethod            Method = "error"
	GetAssetsMethod        Method = "get_assets"
	AuthRequestMethod      Method = "auth_request"
	AuthChallengeMethod    Method = "auth_challenge"
	AuthVerifyMethod       Method = "auth_verify"
	CreateAppSessionMethod Method = "create_app_session"
	SubmitAppStateMethod   Method = "submit_app_state"
	CloseAppSessionMethod  Method = "close_app_session"
	GetAppSessionsMethod   Method = "get_app_sessions"
)

func (m Method) String() string {
	return string(m)
}

// AppSessionIntent tells the broker what a state update does to the session funds.
type AppSessionIntent string

const (
	AppSessionIntentOperate AppSessionIntent = "operate"
	AppSessionIntentDeposit AppSessionIntent = "deposit"
)

type GetAssetsRequest struct {
	ChainID *uint32 `json:"chain_id,omitempty"`
}

type GetAssetsResponse struct {
	Assets []Asset `json:"assets"`
}

// Asset is a token the broker accepts on a chain.
type Asset struct {
	Token    string `json:"token"`
	ChainID  uint32 `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Allowance is a spending limit granted to the authenticated session key.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AuthRequestRequest struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

type AuthChallengeResponse struct {
	ChallengeMessage uuid.UUID `json:"challenge_message"`
}

type AuthVerifyRequest struct {
	Challenge uuid.UUID `json:"challenge"`
}

type AuthVerifyResponse struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	JwtToken   string `json:"jwt_token"`
	Success    bool   `json:"success"`
}

// AppDefinition fixes the participants and signing rules of an application session.
type AppDefinition struct {
	Application        string   `json:"application"`
	Protocol           Version  `json:"protocol"`
	ParticipantWallets []string `json:"participants"`
	Weights            []int64  `json:"weights"`
	Quorum             uint64   `json:"quorum"`
	Challenge          uint64   `json:"challenge"`
	Nonce              uint64   `json:"nonce"`
}

// AppAllocation assigns an amount of an asset to one participant.
type AppAllocation struct {
	Participant string          `json:"participant"`
	AssetSymbol string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

type CreateAppSessionRequest struct {
	Definition  AppDefinition   `json:"definition"`
	Allocations []AppAllocation `json:"allocations"`
	SessionData *string         `json:"session_data"`
}

type SubmitAppStateRequest struct {
	AppSessionID string           `json:"app_session_id"`
	Intent       AppSessionIntent `json:"intent"`
	Version      uint64           `json:"version"`
	Allocations  []AppAllocation  `json:"allocations"`
	SessionData  *string          `json:"session_data"`
}

type CloseAppSessionRequest struct {
	AppSessionID string          `json:"app_session_id"`
	SessionData  *string         `json:"session_data"`
	Allocations  []AppAllocation `json:"allocations"`
}

// AppSession is the broker's view of an application session.
type AppSession struct {
	AppSessionID       string   `json:"app_session_id"`
	Application        string   `json:"application"`
	Status             string   `json:"status"`
	ParticipantWallets []string `json:"participants"`
	Protocol           Version  `json:"protocol"`
	Weights            []int64  `json:"weights"`
	Quorum             uint64   `json:"quorum"`
	Version            uint64   `json:"version"`
	Nonce              uint64   `json:"nonce"`
}

// GetAppSessionsRequest filters the broker's application sessions.
type GetAppSessionsRequest struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

type GetAppSessionsResponse struct {
	AppSessions []AppSession `json:"app_sessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// microUnitsExp is the scale of ledger amounts: 1 unit = 1e6 micro-units.
const microUnitsExp = -6

// Amount converts ledger micro-units into a decimal asset amount.
func Amount(micro int64) decimal.Decimal {
	return decimal.New(micro, microUnitsExp)
}
