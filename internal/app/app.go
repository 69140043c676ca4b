// Package app assembles a federation node from configuration, an identity
// and storage backends.
package app

import (
	"context"
	"net/http"

	apicontext "github.com/dtroode/notesfed/internal/api/context"
	"github.com/dtroode/notesfed/internal/api/http/handler"
	"github.com/dtroode/notesfed/internal/api/http/router"
	"github.com/dtroode/notesfed/internal/config"
	"github.com/dtroode/notesfed/internal/fanout"
	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/identity"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/service"
	"github.com/dtroode/notesfed/internal/signing"
	"github.com/dtroode/notesfed/internal/token"
)

// Stores bundles the persistence backends of a node.
type Stores struct {
	Documents model.DocumentStore
	Members   model.MemberStore
	Ops       model.OpStore
	Users     model.UserStore
}

// Node is a running federation server minus its listeners.
type Node struct {
	Handler  http.Handler
	Tokens   *service.TokenService
	Registry *fanout.Registry
	Bridge   *fanout.Bridge
	Peers    *federation.Client

	cancel context.CancelFunc
}

// New wires services, fanout and the HTTP API. objects may be nil, which
// disables snapshot storage.
func New(cfg *config.Config, id *identity.Identity, stores Stores, objects model.Storage, logger *logger.Logger) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	fed := cfg.Federation

	signer := signing.NewSigner(id)
	peers := federation.NewClient(fed.HTTPTimeout, signer, fed.InsecureDomains, logger)
	peers.SetStreamIdleTimeout(2 * fed.KeepAlive)
	verifier := signing.NewVerifier(federation.NewPeerKeys(peers, fed.PeerKeyTTL), fed.ReplayWindow)

	var (
		joinSnapshots service.SnapshotStore
		snapshotSaver handler.SnapshotSaver
	)
	if objects != nil {
		snapshots := service.NewSnapshots(objects, logger)
		joinSnapshots = snapshots
		snapshotSaver = snapshots
	}

	tokens := service.NewTokenService(token.NewJWT(cfg.JWT.Secret, cfg.JWT.TTL), stores.Users, logger)
	directory := service.NewDirectory(stores.Users, id.Domain)
	documents := service.NewDocuments(stores.Documents, stores.Members, directory, id.Domain, logger)
	broker := service.NewBroker(id, peers, logger)
	sharing := service.NewSharing(stores.Documents, stores.Members, directory, broker, id.Domain, logger)
	join := service.NewJoin(stores.Documents, stores.Members, stores.Users, broker, peers, joinSnapshots, id.Domain, logger)

	registry := fanout.NewRegistry(0, logger)
	oplog := service.NewOpLog(stores.Ops, stores.Documents, peers, registry, logger)
	oplog.SetMaxClockSkew(fed.ReplayWindow)

	newSource := func(host, docID string) fanout.OpSource {
		if fed.Polling {
			return fanout.NewPollSource(peers, host, docID, fed.PollInterval)
		}
		return fanout.NewStreamSource(peers, host, docID)
	}
	bridge := fanout.NewBridge(ctx, registry, oplog, stores.Ops, newSource, fed.ReconnectDelay, logger)

	r := router.New(router.Services{
		Identity:  id,
		Directory: directory,
		Join:      join,
		Importer:  join,
		OpLog:     oplog,
		Documents: documents,
		Sharing:   sharing,
		Store:     stores.Documents,
		Snapshots: snapshotSaver,
		Fanout:    registry,
		Follower:  bridge,
		Verifier:  verifier,
		Tokens:    tokens,
	}, router.Options{KeepAlive: fed.KeepAlive}, apicontext.NewManager(), logger)

	return &Node{
		Handler:  r.Register(),
		Tokens:   tokens,
		Registry: registry,
		Bridge:   bridge,
		Peers:    peers,
		cancel:   cancel,
	}
}

// Close stops all upstream proxies.
func (n *Node) Close() {
	n.cancel()
	n.Bridge.Close()
}
