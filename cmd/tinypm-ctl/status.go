package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinypm/transaction"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

type statusHandler struct {
	e  *transaction.Engine
	rd *render.Render
}

func (h *statusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.e.Stats())
}

func (h *statusHandler) Layout(w http.ResponseWriter, r *http.Request) {
	l := h.e.Layout()
	h.rd.JSON(w, http.StatusOK, map[string]interface{}{
		"geometry": l.Geometry,
		"size":     l.Size,
		"arenas":   l.Arenas(),
		"heap":     l.Heap(),
	})
}

func (h *statusHandler) Arena(w http.ResponseWriter, r *http.Request) {
	a, err := h.e.Arena(mux.Vars(r)["name"])
	if err != nil {
		h.rd.JSON(w, http.StatusNotFound, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, a)
}

func createRouter(e *transaction.Engine) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})
	h := &statusHandler{e: e, rd: rd}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/status", h.Stats).Methods("GET")
	router.HandleFunc("/layout", h.Layout).Methods("GET")
	router.HandleFunc("/arenas/{name}", h.Arena).Methods("GET")
	return router
}

// serveStatus exposes metrics and engine counters on addr until the process exits.
func serveStatus(addr string, e *transaction.Engine) {
	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(createRouter(e))
	go func() {
		logger.Info("serving status", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, n); err != nil {
			logger.Warn("status server stopped", zap.Error(err))
		}
	}()
}
