// testserver starts bptl against an in-memory process engine and a fake ZGW
// backend for E2E testing. Engine tasks are queued through /fake/engine.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/bptl/internal/api"
	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/camunda/camundatest"
	"github.com/seantiz/bptl/internal/codec"
	"github.com/seantiz/bptl/internal/config"
	"github.com/seantiz/bptl/internal/dispatch"
	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/handlers/zgw"
	"github.com/seantiz/bptl/internal/handlers/zgw/zgwtest"
	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/service"
	"github.com/seantiz/bptl/internal/store"
	"github.com/seantiz/bptl/internal/worker"
)

// serveFake serves h on a free local port and returns its base URL.
func serveFake(h http.Handler) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	go func() {
		_ = http.Serve(ln, h)
	}()
	return "http://" + ln.Addr().String()
}

type enqueueRequest struct {
	Topic     string         `json:"topic"`
	Variables map[string]any `json:"variables"`
	Priority  int            `json:"priority"`
}

// fakeRoutes lets tests queue engine tasks and inspect their outcome.
func fakeRoutes(r chi.Router, engine *camundatest.Engine) {
	r.Post("/fake/engine/tasks", func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vars, err := codec.Encode(req.Variables)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := engine.AddTaskWithPriority(req.Topic, vars, req.Priority)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	r.Get("/fake/engine/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, ok := engine.Task(chi.URLParam(r, "id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(t)
	})
}

func main() {
	addr := ":8080"
	if v := os.Getenv("BPTL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := config.NewLogger(os.Stdout, slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	engine := camundatest.New()
	engineURL := serveFake(engine.Handler())
	zgwURL := serveFake(zgwtest.New().Handler())

	for _, svc := range []*model.Service{
		{Reference: "zrc", APIType: zgw.APITypeZRC, APIRoot: zgwURL + "/zrc/", AuthHeader: "Bearer testserver"},
		{Reference: "ztc", APIType: zgw.APITypeZTC, APIRoot: zgwURL + "/ztc/", AuthHeader: "Bearer testserver"},
	} {
		if err := db.SaveService(ctx, svc); err != nil {
			log.Fatalf("failed to save service: %v", err)
		}
	}

	reg := handler.NewRegistry(db)
	reg.MustRegister(zgw.Handlers()...)
	for _, info := range reg.List() {
		err := db.SaveMapping(ctx, &model.HandlerMapping{
			TopicName:        info.Topic,
			HandlerReference: info.Topic,
			Active:           true,
			DefaultServices: []model.ServiceBinding{
				{Alias: "ZRC", ServiceReference: "zrc"},
				{Alias: "ZTC", ServiceReference: "ztc"},
			},
		})
		if err != nil {
			log.Fatalf("failed to save mapping: %v", err)
		}
	}

	client := camunda.NewClient(camunda.Config{BaseURL: engineURL, Timeout: 5 * time.Second}, nil)
	orch := dispatch.NewOrchestrator(db, reg, client, service.NewPool(&http.Client{Timeout: 10 * time.Second}), logger, dispatch.Config{
		WorkerID:       "testserver",
		LockDuration:   time.Minute,
		DefaultRetries: 3,
		Retry:          dispatch.RetryPolicy{Initial: 100 * time.Millisecond, Multiplier: 2, Max: time.Second},
		RenewLeases:    true,
	})
	poller := worker.NewPoller(client, orch, db, logger, worker.Config{
		MaxTasks:          10,
		PollInterval:      100 * time.Millisecond,
		ReconcileInterval: time.Second,
		Concurrency:       4,
	})

	tokens := []string{"testserver-token"}
	if v := os.Getenv("BPTL_API_TOKENS"); v != "" {
		tokens = strings.Split(v, ",")
	}
	srv := api.NewServer(api.Config{Addr: addr, Tokens: tokens}, db, reg, orch, logger)
	fakeRoutes(srv.Router(), engine)

	var wg sync.WaitGroup
	wg.Go(func() {
		_ = poller.Run(ctx)
	})

	logger.Info("testserver: starting", "addr", addr, "engine_url", engineURL, "zgw_url", zgwURL)
	err = srv.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
