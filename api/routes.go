package api

import (
	"github.com/gorilla/mux"

	"github.com/garnizeh/krishi/internal/config"
	"github.com/garnizeh/krishi/pkg/repository"
)

func SetupRoutes(cfg *config.Config, version, buildTime string, store repository.Store) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{Store: store}
	authHandler := NewAuthHandler(store, cfg.JWTSecret, cfg.TokenDuration)
	accountHandler := NewAccountHandler(store)
	profileHandler := NewProfileHandler(store)
	analysesHandler := NewAnalysesHandler(store)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/v1/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/v1/auth/signin", authHandler.Signin).Methods("POST")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))

	// Auth endpoints
	authV1 := apiV1.PathPrefix("/auth").Subrouter()
	authV1.HandleFunc("/signout", authHandler.Signout).Methods("POST")

	// Account endpoints
	apiV1.HandleFunc("/account", accountHandler.GetAccount).Methods("GET")
	apiV1.HandleFunc("/account", accountHandler.UpdateAccount).Methods("PATCH")
	apiV1.HandleFunc("/account/password", accountHandler.ChangePassword).Methods("POST")

	// Profile endpoints
	apiV1.HandleFunc("/profile", profileHandler.GetProfile).Methods("GET")
	apiV1.HandleFunc("/profile", profileHandler.UpsertProfile).Methods("PUT")

	// Analyses endpoints
	apiV1.HandleFunc("/analyses", analysesHandler.CreateAnalysis).Methods("POST")
	apiV1.HandleFunc("/analyses", analysesHandler.ListAnalyses).Methods("GET")

	return r
}
