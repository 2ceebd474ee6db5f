package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/subscription"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Subscriptions answers subscription queries
type Subscriptions interface {
	FindAll(ctx context.Context, filter subscription.Filter) ([]*types.Subscription, error)
	FindOne(ctx context.Context, id uint64) (*types.Subscription, error)
}

// Notifications answers notification queries
type Notifications interface {
	FindOne(ctx context.Context, id uint64) (*types.Notification, error)
	FindBySubscription(ctx context.Context, subscriptionID uint64) ([]*types.Notification, error)
}

// Server exposes subscriptions, notifications, health and metrics over HTTP
type Server struct {
	subscriptions Subscriptions
	notifications Notifications
	router        *mux.Router
	http          *http.Server
	version       string
	now           func() time.Time
	logger        zerolog.Logger
}

// NewServer creates a new query server
func NewServer(subscriptions Subscriptions, notifications Notifications) *Server {
	s := &Server{
		subscriptions: subscriptions,
		notifications: notifications,
		router:        mux.NewRouter(),
		version:       "dev",
		now:           time.Now,
		logger:        log.WithComponent("api"),
	}

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/{id}", s.getSubscription).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/{id}/notifications", s.listNotifications).Methods(http.MethodGet)
	s.router.HandleFunc("/notifications/{id}", s.getNotification).Methods(http.MethodGet)

	return s
}

// WithVersion sets the version reported by /health
func (s *Server) WithVersion(version string) *Server {
	s.version = version
	return s
}

// WithClock replaces the clock used to report expiry
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler returns the router for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metrics.RegisterComponent("api", true, "listening on "+addr)
	s.logger.Info().Str("addr", addr).Msg("query API listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent("api", false, err.Error())
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// SubscriptionView is the public shape of a subscription. The handshake
// secret is never exposed.
type SubscriptionView struct {
	ID         string                   `json:"id"`
	EventType  types.EventType          `json:"eventType"`
	EventScope string                   `json:"eventScope"`
	WebhookURL string                   `json:"webhookUrl"`
	Status     types.SubscriptionStatus `json:"status"`
	TTL        int64                    `json:"ttl"`
	CreatedAt  time.Time                `json:"createdAt"`
	ExpiresAt  time.Time                `json:"expiresAt"`
	Expired    bool                     `json:"expired"`
	TriesLeft  int                      `json:"triesLeft"`
	NextNonce  uint64                   `json:"nextNonce"`
}

// NotificationView is the public shape of a notification
type NotificationView struct {
	ID             string                   `json:"id"`
	SubscriptionID string                   `json:"subscriptionId"`
	EventID        string                   `json:"eventId"`
	Status         types.NotificationStatus `json:"status"`
	TriesLeft      int                      `json:"triesLeft"`
	Nonce          uint64                   `json:"nonce"`
	CreatedAt      time.Time                `json:"createdAt"`
}

func (s *Server) subscriptionView(sub *types.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:         types.FormatID(sub.ID),
		EventType:  sub.EventType,
		EventScope: sub.EventScope,
		WebhookURL: sub.WebhookURL,
		Status:     sub.Status,
		TTL:        sub.TTL.Milliseconds(),
		CreatedAt:  sub.CreatedAt,
		ExpiresAt:  sub.CreatedAt.Add(sub.TTL),
		Expired:    sub.IsExpired(s.now()),
		TriesLeft:  sub.TriesLeft,
		NextNonce:  sub.NextNonce,
	}
}

func notificationView(n *types.Notification) NotificationView {
	return NotificationView{
		ID:             types.FormatID(n.ID),
		SubscriptionID: types.FormatID(n.SubscriptionID),
		EventID:        types.FormatID(n.EventID),
		Status:         n.Status,
		TriesLeft:      n.TriesLeft,
		Nonce:          n.Nonce,
		CreatedAt:      n.CreatedAt,
	}
}

// parseFilter reads ?status=&scope=&type=&excludeExpired=
func parseFilter(r *http.Request) (subscription.Filter, error) {
	q := r.URL.Query()
	filter := subscription.Filter{
		Status:     types.SubscriptionStatus(q.Get("status")),
		EventScope: q.Get("scope"),
		EventType:  types.EventType(q.Get("type")),
	}

	switch filter.Status {
	case "", types.SubscriptionStatusInactive, types.SubscriptionStatusActive,
		types.SubscriptionStatusDone, types.SubscriptionStatusRejected:
	default:
		return filter, fmt.Errorf("unknown status %q", filter.Status)
	}

	if raw := q.Get("excludeExpired"); raw != "" {
		exclude, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid excludeExpired %q", raw)
		}
		filter.ExcludeExpired = exclude
	}
	return filter, nil
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errMsg(err.Error()))
		return
	}

	subs, err := s.subscriptions.FindAll(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, s.subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	sub, err := s.subscriptions.FindOne(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.subscriptionView(sub))
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.subscriptions.FindOne(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	list, err := s.notifications.FindBySubscription(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]NotificationView, 0, len(list))
	for _, n := range list {
		views = append(views, notificationView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	n, err := s.notifications.FindOne(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationView(n))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errMsg(err.Error()))
		return
	}
	s.logger.Error().Err(err).Msg("query failed")
	writeJSON(w, http.StatusInternalServerError, errMsg("internal error"))
}

// writeJSON serialises data as JSON with the given HTTP status
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errMsg(msg string) map[string]string {
	return map[string]string{"error": msg}
}
