package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/api"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/archive"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/config"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/epics"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/flow"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/nn"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/variables"
)

// Server holds all the components of the flow service
type Server struct {
	cfg        config.Config
	httpServer *http.Server
	router     *mux.Router
	client     epics.Client
	flow       *flow.Flow
	store      *archive.Store
}

// New creates a new Server with all components initialized. Load failures
// are logged, not fatal: the service starts unready and a bundle install
// can fill the missing pieces in.
func New(cfg config.Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		client: epics.NewGateway(cfg.GatewayURL, nil),
	}

	// Load the surrogate model
	model, err := nn.Load(cfg.ModelPath)
	if err != nil {
		log.Printf("Warning: model not available: %v", err)
	}

	// Load the PV mapping
	mapping, err := variables.LoadMapping(cfg.MappingPath)
	if err != nil {
		log.Printf("Warning: PV mapping not available: %v", err)
	}

	// Open the run archive
	if cfg.DBPath != "" {
		store, err := archive.Open(cfg.DBPath, cfg.ReportsDir)
		if err != nil {
			log.Printf("Warning: run archive not available: %v", err)
		} else {
			s.store = store
		}
	}

	// The flow always exists; a missing model or mapping leaves it
	// unready and the API reports that until a bundle install fills it in.
	s.flow = flow.New(s.client, model, mapping)
	s.flow.GetTimeout = cfg.GetTimeout
	s.flow.PutTimeout = cfg.PutTimeout
	s.flow.Recorder = s.store

	// Set up routes
	s.setupRoutes()

	return s
}

// Flow returns the service's flow. Model and Mapping are nil until loaded.
func (s *Server) Flow() *flow.Flow {
	return s.flow
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// API routes
	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiHandler := api.NewHandler(s.flow, s.store, s.cfg)
	apiHandler.RegisterRoutes(apiRouter)

	// Model bundle management routes
	s.router.HandleFunc("/api/bundle/status", s.handleBundleStatus).Methods("GET")
	s.router.HandleFunc("/api/bundle/install", s.handleBundleInstall).Methods("POST")
}

// Start begins listening for HTTP connections
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Server listening on http://localhost:%d", s.cfg.Port)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.store != nil {
		s.store.Close()
	}

	return s.httpServer.Shutdown(ctx)
}
