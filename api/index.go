// Package api assembles the HTTP surface: REST routes, the WebSocket
// endpoint and the optional static client bundle.
package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"scuffedchat/handlers"
	"scuffedchat/middleware"
)

// Deps are the handlers and settings the router is built from
type Deps struct {
	Auth           *handlers.AuthHandler
	Friends        *handlers.FriendHandler
	Messages       *handlers.MessageHandler
	WebSocket      *handlers.WebSocketHandler
	Authenticator  middleware.Authenticator
	AllowedOrigins []string
	StaticDir      string
	Logger         *zap.Logger
}

// NewRouter builds the route table
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS(d.AllowedOrigins))

	requireAuth := middleware.Auth(d.Authenticator)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	authRoutes := r.PathPrefix("/api/auth").Subrouter()
	authRoutes.HandleFunc("/send-otp", d.Auth.SendOTP).Methods(http.MethodPost, http.MethodOptions)
	authRoutes.HandleFunc("/register", d.Auth.Register).Methods(http.MethodPost, http.MethodOptions)
	authRoutes.HandleFunc("/login", d.Auth.Login).Methods(http.MethodPost, http.MethodOptions)
	authRoutes.Handle("/me", requireAuth(http.HandlerFunc(d.Auth.Me))).Methods(http.MethodGet, http.MethodOptions)
	authRoutes.Handle("/update-profile", requireAuth(http.HandlerFunc(d.Auth.UpdateProfile))).Methods(http.MethodPut, http.MethodOptions)

	friendRoutes := r.PathPrefix("/api/friends").Subrouter()
	friendRoutes.Use(requireAuth)
	friendRoutes.HandleFunc("/send", d.Friends.Send).Methods(http.MethodPost, http.MethodOptions)
	friendRoutes.HandleFunc("/pending", d.Friends.Pending).Methods(http.MethodGet, http.MethodOptions)
	friendRoutes.HandleFunc("/respond", d.Friends.Respond).Methods(http.MethodPost, http.MethodOptions)
	friendRoutes.HandleFunc("/cancel", d.Friends.Cancel).Methods(http.MethodPost, http.MethodOptions)
	friendRoutes.HandleFunc("/search", d.Friends.Search).Methods(http.MethodGet, http.MethodOptions)
	friendRoutes.HandleFunc("/list", d.Friends.List).Methods(http.MethodGet, http.MethodOptions)

	messageRoutes := r.PathPrefix("/api/messages").Subrouter()
	messageRoutes.Use(requireAuth)
	messageRoutes.HandleFunc("", d.Messages.SendMessage).Methods(http.MethodPost, http.MethodOptions)
	messageRoutes.HandleFunc("/conversations", d.Messages.GetConversations).Methods(http.MethodGet, http.MethodOptions)
	messageRoutes.HandleFunc("/{userId:[0-9]+}", d.Messages.GetMessages).Methods(http.MethodGet, http.MethodOptions)
	messageRoutes.HandleFunc("/{userId:[0-9]+}/read", d.Messages.MarkAsRead).Methods(http.MethodPost, http.MethodOptions)

	// The session authenticates itself so browser clients can pass the
	// token as a query parameter.
	r.Handle("/ws", d.WebSocket).Methods(http.MethodGet)

	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(staticHandler(d.StaticDir)).Methods(http.MethodGet)
	}

	return r
}

// staticHandler serves the client bundle, falling back to index.html for
// client-side routes. Content types come from the file extension.
func staticHandler(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := filepath.FromSlash(strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/"))
		name := filepath.Join(dir, rel)
		if info, err := os.Stat(name); rel == "" || err != nil || info.IsDir() {
			name = filepath.Join(dir, "index.html")
		}
		http.ServeFile(w, r, name)
	})
}
