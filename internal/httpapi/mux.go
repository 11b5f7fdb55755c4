package httpapi

import (
	"database/sql"
	"net/http"

	"oclean-bridge/internal/config"
	"oclean-bridge/internal/store"
)

func NewMux(db *sql.DB, repo store.Repository, resetter WearResetter) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db)
	registerDeviceAPI(mux, repo, resetter)
	return mux
}

func NewServer(cfg config.Config, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: requestLogger(mux),
	}
}
