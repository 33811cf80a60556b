package clearnode

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
)

// Bridge mirrors settled usage into a two-party application session. Results
// report failure in-band; no method returns a Go error.
type Bridge interface {
	Enabled() bool
	Init(ctx context.Context, req InitRequest) InitResult
	SubmitUsage(ctx context.Context, req SubmitUsageRequest) SubmitUsageResult
	Close(ctx context.Context, req CloseRequest) CloseResult
}

// Status is embedded in every bridge result.
type Status struct {
	Enabled bool   `json:"enabled"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func okStatus() Status {
	return Status{Enabled: true, OK: true}
}

func failStatus(err error) Status {
	return Status{Enabled: true, Error: err.Error(), Code: domain.ErrorCode(err)}
}

func disabledStatus() Status {
	return Status{Error: domain.ErrBridgeUnconfigured.Error(), Code: domain.ErrorCode(domain.ErrBridgeUnconfigured)}
}

type InitRequest struct {
	SessionID    string
	Recipient    string
	AppSessionID string
	Asset        string
	Version      uint64
}

type InitResult struct {
	Status
	AppSessionID string `json:"app_session_id,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Version      uint64 `json:"version"`
}

// SubmitUsageRequest pushes Delta newly settled micro-units; TotalSettled
// already includes Delta. Resync reads the broker's current version before
// submitting and is set after a failed push.
type SubmitUsageRequest struct {
	SessionID    string
	AppSessionID string
	Recipient    string
	Asset        string
	Version      uint64
	Delta        int64
	TotalSettled int64
	Resync       bool
}

type SubmitUsageResult struct {
	Status
	Version uint64 `json:"version"`
}

type CloseRequest struct {
	SessionID    string
	AppSessionID string
	Recipient    string
	Asset        string
	Version      uint64
}

type CloseResult struct {
	Status
	Version uint64 `json:"version"`
}

// Config configures the broker client.
type Config struct {
	URL            string
	PrivateKey     string
	ChainID        int64
	Application    string
	Scope          string
	Asset          string
	FallbackAssets []string
	RequestTimeout time.Duration
	AuthTTL        time.Duration
}

// Client is the ClearNode implementation of Bridge.
type Client struct {
	cfg    Config
	signer *Signer
	dialer Dialer
	assets AssetCache
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithAssetCache replaces the in-memory asset cache.
func WithAssetCache(cache AssetCache) Option {
	return func(c *Client) { c.assets = cache }
}

// New creates a client. Without a URL or operator key the client is disabled
// and every call reports ErrBridgeUnconfigured.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		dialer: WebsocketDialer{},
		assets: NewMemoryAssetCache(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.URL == "" || cfg.PrivateKey == "" {
		return c, nil
	}
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	c.signer = signer
	return c, nil
}

func (c *Client) Enabled() bool {
	return c.signer != nil
}

// Operator returns the operator wallet address, or "" when disabled.
func (c *Client) Operator() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// connect dials the broker and authenticates with the given allowances.
func (c *Client) connect(ctx context.Context, allowances []Allowance) (*rpcSession, error) {
	dialCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	conn, err := c.dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	s := newRPCSession(conn, c.signer, c.cfg.RequestTimeout)
	if err := s.authenticate(ctx, authParams{
		Application: c.cfg.Application,
		Scope:       c.cfg.Scope,
		Allowances:  allowances,
		TTL:         c.cfg.AuthTTL,
	}); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the application session for a chat session, negotiating the
// asset: the last accepted asset first, then the configured one, then the
// broker's list, then the fallbacks. It is a no-op when AppSessionID is
// already known.
func (c *Client) Init(ctx context.Context, req InitRequest) InitResult {
	if !c.Enabled() {
		return InitResult{Status: disabledStatus()}
	}
	if req.AppSessionID != "" {
		return InitResult{Status: okStatus(), AppSessionID: req.AppSessionID, Asset: req.Asset, Version: req.Version}
	}

	log := logger.Ctx(ctx).With().Str(logger.FieldSessionID, req.SessionID).Logger()
	cacheKey := assetCacheKey(c.cfg.ChainID, c.cfg.Application)
	candidates := newAssetCandidates(
		func() []string { return []string{c.assets.Get(ctx, cacheKey), c.cfg.Asset} },
		func() []string { return c.discoverAssets(ctx) },
		func() []string { return c.cfg.FallbackAssets },
	)

	var lastErr error
	for {
		asset, ok := candidates.Next()
		if !ok {
			break
		}
		app, err := c.createAppSession(ctx, req.Recipient, asset)
		if err == nil {
			c.assets.Set(ctx, cacheKey, asset)
			log.Info().Str(logger.FieldAppID, app.AppSessionID).Str(logger.FieldAsset, asset).
				Uint64(logger.FieldVersion, app.Version).Msg("application session created")
			return InitResult{Status: okStatus(), AppSessionID: app.AppSessionID, Asset: asset, Version: app.Version}
		}
		if !isUnsupported(err) {
			log.Warn().Err(err).Str(logger.FieldAsset, asset).Msg("application session create failed")
			return InitResult{Status: failStatus(err)}
		}
		log.Debug().Err(err).Str(logger.FieldAsset, asset).Msg("asset rejected, trying next")
		lastErr = err
	}

	err := domain.ErrUnsupportedAsset
	if lastErr != nil {
		err = fmt.Errorf("%w: %v", domain.ErrUnsupportedAsset, lastErr)
	}
	return InitResult{Status: failStatus(err)}
}

func (c *Client) createAppSession(ctx context.Context, recipient, asset string) (*AppSession, error) {
	s, err := c.connect(ctx, []Allowance{{Asset: asset, Amount: "0"}})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	operator := c.signer.Address().Hex()
	var app AppSession
	err = s.call(ctx, CreateAppSessionMethod, CreateAppSessionRequest{
		Definition: AppDefinition{
			Application:        c.cfg.Application,
			Protocol:           VersionNitroRPCv0_4,
			ParticipantWallets: []string{operator, recipient},
			Weights:            []int64{100, 0},
			Quorum:             100,
			Nonce:              uint64(time.Now().UnixNano()),
		},
		Allocations: allocations(operator, recipient, asset, 0, 0),
	}, &app)
	if err != nil {
		return nil, err
	}
	if app.AppSessionID == "" {
		return nil, fmt.Errorf("%w: create_app_session returned no id", domain.ErrBridgeProtocol)
	}
	return &app, nil
}

// discoverAssets lists the broker's assets for the configured chain. Failures
// yield no candidates.
func (c *Client) discoverAssets(ctx context.Context) []string {
	dialCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	conn, err := c.dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("asset discovery dial failed")
		return nil
	}
	s := newRPCSession(conn, c.signer, c.cfg.RequestTimeout)
	defer s.Close()

	req := GetAssetsRequest{}
	if c.cfg.ChainID > 0 {
		chain := uint32(c.cfg.ChainID)
		req.ChainID = &chain
	}
	var resp GetAssetsResponse
	if err := s.call(ctx, GetAssetsMethod, req, &resp); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("asset discovery failed")
		return nil
	}
	symbols := make([]string, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		symbols = append(symbols, a.Symbol)
	}
	return symbols
}

// SubmitUsage records Delta in two consecutive states: a deposit that adds
// Delta to the operator's side, then an operate that moves the whole balance
// to the recipient.
func (c *Client) SubmitUsage(ctx context.Context, req SubmitUsageRequest) SubmitUsageResult {
	if !c.Enabled() {
		return SubmitUsageResult{Status: disabledStatus(), Version: req.Version}
	}
	if req.AppSessionID == "" {
		err := fmt.Errorf("%w: application session not initialized", domain.ErrBridgeProtocol)
		return SubmitUsageResult{Status: failStatus(err), Version: req.Version}
	}
	if req.Delta <= 0 {
		return SubmitUsageResult{Status: okStatus(), Version: req.Version}
	}

	log := logger.Ctx(ctx).With().
		Str(logger.FieldSessionID, req.SessionID).
		Str(logger.FieldAppID, req.AppSessionID).
		Int64(logger.FieldAmount, req.Delta).
		Logger()

	s, err := c.connect(ctx, []Allowance{{Asset: req.Asset, Amount: Amount(req.Delta).String()}})
	if err != nil {
		log.Warn().Err(err).Msg("usage submit connect failed")
		return SubmitUsageResult{Status: failStatus(err), Version: req.Version}
	}
	defer s.Close()

	operator := c.signer.Address().Hex()
	version := req.Version
	if req.Resync {
		current, err := c.appVersion(ctx, s, req.AppSessionID)
		if err != nil {
			log.Warn().Err(err).Msg("application session version lookup failed")
			return SubmitUsageResult{Status: failStatus(err), Version: req.Version}
		}
		if current > version {
			log.Info().Uint64("local_version", version).Uint64(logger.FieldVersion, current).Msg("channel version resynced")
			version = current
		}
	}

	prevOwed := req.TotalSettled - req.Delta
	steps := []struct {
		intent      AppSessionIntent
		allocations []AppAllocation
	}{
		{AppSessionIntentDeposit, allocations(operator, req.Recipient, req.Asset, req.Delta, prevOwed)},
		{AppSessionIntentOperate, allocations(operator, req.Recipient, req.Asset, 0, req.TotalSettled)},
	}

	for _, step := range steps {
		want := version + 1
		var app AppSession
		err := s.call(ctx, SubmitAppStateMethod, SubmitAppStateRequest{
			AppSessionID: req.AppSessionID,
			Intent:       step.intent,
			Version:      want,
			Allocations:  step.allocations,
		}, &app)
		if err != nil {
			log.Warn().Err(err).Str("intent", string(step.intent)).Uint64(logger.FieldVersion, want).Msg("state submit failed")
			return SubmitUsageResult{Status: failStatus(err), Version: version}
		}
		if app.Version != want {
			err := fmt.Errorf("%w: %s expected version %d, broker returned %d", domain.ErrVersionConflict, step.intent, want, app.Version)
			log.Warn().Err(err).Msg("state submit out of order")
			if app.Version > version {
				version = app.Version
			}
			return SubmitUsageResult{Status: failStatus(err), Version: version}
		}
		version = want
	}

	log.Info().Uint64(logger.FieldVersion, version).Msg("usage submitted")
	return SubmitUsageResult{Status: okStatus(), Version: version}
}

// appVersion returns the broker's current version of an application session.
func (c *Client) appVersion(ctx context.Context, s *rpcSession, appSessionID string) (uint64, error) {
	var resp GetAppSessionsResponse
	if err := s.call(ctx, GetAppSessionsMethod, GetAppSessionsRequest{Participant: c.signer.Address().Hex()}, &resp); err != nil {
		return 0, err
	}
	for _, app := range resp.AppSessions {
		if app.AppSessionID == appSessionID {
			return app.Version, nil
		}
	}
	return 0, fmt.Errorf("%w: application session %s not listed", domain.ErrBridgeProtocol, appSessionID)
}

// Close closes the application session. A session the broker already closed
// counts as success.
func (c *Client) Close(ctx context.Context, req CloseRequest) CloseResult {
	if !c.Enabled() {
		return CloseResult{Status: disabledStatus(), Version: req.Version}
	}
	if req.AppSessionID == "" {
		return CloseResult{Status: okStatus(), Version: req.Version}
	}

	s, err := c.connect(ctx, []Allowance{{Asset: req.Asset, Amount: "0"}})
	if err != nil {
		return CloseResult{Status: failStatus(err), Version: req.Version}
	}
	defer s.Close()

	operator := c.signer.Address().Hex()
	var app AppSession
	err = s.call(ctx, CloseAppSessionMethod, CloseAppSessionRequest{
		AppSessionID: req.AppSessionID,
		Allocations:  allocations(operator, req.Recipient, req.Asset, 0, 0),
	}, &app)
	if err != nil {
		if isAlreadyClosed(err) {
			return CloseResult{Status: okStatus(), Version: req.Version}
		}
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldAppID, req.AppSessionID).Msg("application session close failed")
		return CloseResult{Status: failStatus(err), Version: req.Version}
	}
	version := app.Version
	if version < req.Version {
		version = req.Version
	}
	return CloseResult{Status: okStatus(), Version: version}
}

func allocations(operator, recipient, asset string, operatorAmount, recipientAmount int64) []AppAllocation {
	return []AppAllocation{
		{Participant: operator, AssetSymbol: asset, Amount: Amount(operatorAmount)},
		{Participant: recipient, AssetSymbol: asset, Amount: Amount(recipientAmount)},
	}
}

// Disabled is a Bridge that is never enabled.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) Init(context.Context, InitRequest) InitResult {
	return InitResult{Status: disabledStatus()}
}

func (Disabled) SubmitUsage(_ context.Context, req SubmitUsageRequest) SubmitUsageResult {
	return SubmitUsageResult{Status: disabledStatus(), Version: req.Version}
}

func (Disabled) Close(_ context.Context, req CloseRequest) CloseResult {
	return CloseResult{Status: disabledStatus(), Version: req.Version}
}

var (
	_ Bridge = (*Client)(nil)
	_ Bridge = Disabled{}
)
