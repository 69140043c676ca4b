package router

import (
	"net/http"
	"time"

	"github.com/dtroode/notesfed/internal/api/http/handler"
	"github.com/dtroode/notesfed/internal/api/http/middleware"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// Services groups what the HTTP surface is built from.
type Services struct {
	Identity  handler.ServerIdentity
	Directory handler.DirectoryService
	Join      handler.JoinAcceptor
	Importer  handler.Importer
	OpLog     OpLog
	Documents handler.DocumentService
	Sharing   handler.Sharer
	Store     model.DocumentStore
	Snapshots handler.SnapshotSaver
	Fanout    handler.Subscriber
	Follower  handler.Follower
	Verifier  middleware.RequestVerifier
	Tokens    middleware.TokenService
}

// OpLog is the op log as seen by both federation and client endpoints.
type OpLog interface {
	handler.OpReceiver
	handler.OpPusher
}

// Router represents the HTTP router of the federation and client API.
type Router struct {
	services       Services
	options        Options
	contextManager model.ContextManager
	logger         *logger.Logger
}

// Options tune streaming endpoints.
type Options struct {
	KeepAlive time.Duration
}

// New creates new HTTP Router instance.
func New(services Services, options Options, contextManager model.ContextManager, logger *logger.Logger) *Router {
	return &Router{
		services:       services,
		options:        options,
		contextManager: contextManager,
		logger:         logger,
	}
}

// Register builds the handler tree with request logging on every route,
// signature verification on federation routes and bearer authentication on
// client routes.
func (r *Router) Register() http.Handler {
	mux := http.NewServeMux()

	logging := middleware.NewLogging(r.logger)
	signed := middleware.NewVerifySignature(r.services.Verifier, r.contextManager, r.logger)
	authenticate := middleware.NewAuthenticate(r.services.Tokens, r.contextManager, r.logger)

	events := handler.NewEventStream(r.services.OpLog, r.services.Fanout, r.options.KeepAlive, r.logger)

	r.registerWellKnownRoutes(mux)
	r.registerFederationRoutes(mux, signed, events)
	r.registerClientRoutes(mux, authenticate, events)

	return logging.Handle(mux)
}

func (r *Router) registerWellKnownRoutes(mux *http.ServeMux) {
	h := handler.NewWellKnown(r.services.Identity, r.services.Directory, r.logger)

	mux.HandleFunc("GET /.well-known/notes-server", h.Server)
	mux.HandleFunc("GET /.well-known/notes-identity/{handle}", h.Identity)
	mux.HandleFunc("GET /api/server-identity", h.Server)
}

func (r *Router) registerFederationRoutes(mux *http.ServeMux, signed *middleware.VerifySignature, events *handler.EventStream) {
	h := handler.NewFederation(r.services.Join, r.services.OpLog, r.services.Store, events, r.contextManager, r.logger)

	mux.Handle("POST /federation/doc/{docId}/join", signed.Handle(http.HandlerFunc(h.Join)))
	mux.Handle("GET /federation/doc/{docId}/ops", signed.Handle(http.HandlerFunc(h.PullOps)))
	mux.Handle("POST /federation/doc/{docId}/ops", signed.Handle(http.HandlerFunc(h.PushOps)))
	mux.Handle("GET /federation/doc/{docId}/events", signed.Handle(http.HandlerFunc(h.Events)))
}

func (r *Router) registerClientRoutes(mux *http.ServeMux, authenticate *middleware.Authenticate, events *handler.EventStream) {
	h := handler.NewClient(
		r.services.Documents,
		r.services.OpLog,
		r.services.Importer,
		r.services.Snapshots,
		r.services.Follower,
		events,
		r.contextManager,
		r.logger,
	)

	mux.Handle("POST /client/doc", authenticate.Handle(http.HandlerFunc(h.CreateDocument)))
	mux.Handle("POST /client/doc/{docId}/push", authenticate.Handle(http.HandlerFunc(h.Push)))
	mux.Handle("GET /client/doc/{docId}/events", authenticate.Handle(http.HandlerFunc(h.Events)))
	mux.Handle("PUT /client/doc/{docId}/snapshot", authenticate.Handle(http.HandlerFunc(h.PutSnapshot)))
	mux.Handle("POST /api/federation/import", authenticate.Handle(http.HandlerFunc(h.Import)))

	sharing := handler.NewSharing(r.services.Sharing, r.contextManager, r.logger)

	mux.Handle("POST /client/doc/{docId}/share", authenticate.Handle(http.HandlerFunc(sharing.Share)))
	mux.Handle("GET /client/doc/{docId}/members", authenticate.Handle(http.HandlerFunc(sharing.Members)))
	mux.Handle("DELETE /client/doc/{docId}/members/{handle}", authenticate.Handle(http.HandlerFunc(sharing.Remove)))
	mux.Handle("POST /client/doc/{docId}/leave", authenticate.Handle(http.HandlerFunc(sharing.Leave)))
}
