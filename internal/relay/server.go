package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"

	"github.com/chatkit/relay/internal/auth"
	"github.com/chatkit/relay/internal/config"
	"github.com/chatkit/relay/internal/pubsub"
	"github.com/chatkit/relay/internal/stats"
	"github.com/chatkit/relay/internal/store"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
)

// RelayServer owns the websocket endpoint, the local room broadcaster
// and the cross-process notifier loop. The store gateway, notifier and
// credential verifier are constructed once at process start and passed
// in; there is no module-level state.
type RelayServer struct {
	log            *log.Logger
	db             store.Repository
	notifier       pubsub.Notifier
	verifier       *auth.Verifier
	broadcaster    *Broadcaster
	stats          stats.StatsProvider
	srv            *http.Server
	allowedOrigins []string
	sessions       map[*Session]struct{}
	sessionsLock   sync.Mutex
	stopNotifier   chan struct{}
	notifierDone   chan struct{}
}

func NewRelayServer(mux *http.ServeMux, logger *log.Logger, db store.Repository,
	notifier pubsub.Notifier, verifier *auth.Verifier, statsProvider stats.StatsProvider,
	cfg *config.Config) *RelayServer {

	for _, name := range []string{
		stats.ActiveConnections,
		stats.ActiveRooms,
		stats.MessagesSent,
		stats.ReactionsSent,
		stats.EventsDelivered,
		stats.PublishErrors,
	} {
		statsProvider.RegisterMetric(name)
	}

	rs := &RelayServer{
		log:            logger,
		db:             db,
		notifier:       notifier,
		verifier:       verifier,
		stats:          statsProvider,
		allowedOrigins: cfg.AllowedOrigins,
		sessions:       make(map[*Session]struct{}),
		stopNotifier:   make(chan struct{}),
		notifierDone:   make(chan struct{}),
	}
	rs.broadcaster = NewBroadcaster(logger, statsProvider)

	mux.HandleFunc("GET /ws", rs.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	rs.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return rs
}

func (rs *RelayServer) Start() error {
	rs.log.Printf("starting server on %s\n", rs.srv.Addr)
	return rs.srv.ListenAndServe()
}

func (rs *RelayServer) Shutdown(ctx context.Context) error {
	rs.log.Println("shutting down relay...")

	close(rs.stopNotifier)
	select {
	case <-rs.notifierDone:
	case <-ctx.Done():
		return fmt.Errorf("notifier shutdown: %w", ctx.Err())
	}

	rs.sessionsLock.Lock()
	for sess := range rs.sessions {
		sess.stopSession()
		sess.conn.Close()
	}
	rs.sessionsLock.Unlock()

	if err := rs.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// serveWs accepts a websocket connection and starts its session. The
// bearer token may arrive as a query parameter or, failing that, in an
// auth frame as the first message; authorization to join a conversation
// room is trusted from the HTTP layer that handed out the conversation
// id and is not re-checked here.
func (rs *RelayServer) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(rs.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.log.Println("error upgrading connection:", err)
		return
	}

	sess := NewSession(conn, rs, rs.log)
	rs.addSession(sess)

	token := r.URL.Query().Get("token")
	go sess.write()
	go sess.read(token)
}

func (rs *RelayServer) addSession(sess *Session) {
	rs.sessionsLock.Lock()
	defer rs.sessionsLock.Unlock()

	rs.sessions[sess] = struct{}{}
	rs.stats.Incr(stats.ActiveConnections)
}

func (rs *RelayServer) removeSession(sess *Session) {
	rs.sessionsLock.Lock()
	defer rs.sessionsLock.Unlock()

	if _, ok := rs.sessions[sess]; !ok {
		return
	}

	delete(rs.sessions, sess)
	rs.stats.Decr(stats.ActiveConnections)
}
