// Package service implements the metered chat ledger workflows: opening
// sessions, debiting messages, settling into the channel network and closing.
package service

import (
	"context"
	"time"

	"github.com/xiaot623/paychat/internal/adapter/agentclient"
	"github.com/xiaot623/paychat/internal/adapter/clearnode"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/config"
	"github.com/xiaot623/paychat/internal/repository"
	"github.com/xiaot623/paychat/policy"
	"golang.org/x/sync/singleflight"
)

// operationTimeout bounds a ledger workflow once it has started. Ledger writes
// run on a context detached from the caller so a disconnect cannot interrupt
// settle-then-rollback halfway.
const operationTimeout = time.Minute

type Service struct {
	store        repository.Store
	verifier     *authz.Verifier
	policyEngine *policy.Engine
	bridge       clearnode.Bridge
	responder    agentclient.Responder
	config       *config.Config
	metrics      *Metrics

	locks *sessionLocks
	inits singleflight.Group
}

// New creates the service. policyEngine and metrics may be nil; a nil bridge
// settles locally only.
func New(store repository.Store, verifier *authz.Verifier, policyEngine *policy.Engine, bridge clearnode.Bridge, responder agentclient.Responder, cfg *config.Config, metrics *Metrics) *Service {
	if bridge == nil {
		bridge = clearnode.Disabled{}
	}
	return &Service{
		store:        store,
		verifier:     verifier,
		policyEngine: policyEngine,
		bridge:       bridge,
		responder:    responder,
		config:       cfg,
		metrics:      metrics,
		locks:        newSessionLocks(),
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), operationTimeout)
}
