// Package zgwtest provides an in-memory Zaken and Catalogi API for tests and
// the test server.
package zgwtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Request is one call received by the fake.
type Request struct {
	Method        string
	Path          string
	Authorization string
	Header        http.Header
	Body          map[string]any
}

// Server is a fake ZGW backend. The Zaken API is served under /zrc/ and the
// Catalogi API under /ztc/. Every case type has two status types: volgnummer
// 1 and a final one.
type Server struct {
	// ZaakURL and ZaakIdentificatie, when set, replace the generated url and
	// identificatie of created cases.
	ZaakURL           string
	ZaakIdentificatie string

	mu       sync.Mutex
	zaken    map[string]map[string]any
	requests []Request
	seq      int
}

// New creates an empty fake.
func New() *Server {
	return &Server{zaken: make(map[string]map[string]any)}
}

// Handler returns the HTTP handler serving both APIs.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Post("/zrc/zaken", s.handleCreateZaak)
	r.Get("/zrc/zaken/{id}", s.handleGetZaak)
	r.Post("/zrc/statussen", s.handleCreateStatus)
	r.Post("/zrc/resultaten", s.handleCreateResultaat)
	r.Get("/ztc/statustypen", s.handleListStatusTypes)
	return r
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Zaak returns the stored case with the given url.
func (s *Server) Zaak(url string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zaken[url]
	return z, ok
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Method == http.MethodPost {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &body)
			r.Body = io.NopCloser(bytes.NewReader(data))
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Header:        r.Header.Clone(),
			Body:          body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func (s *Server) handleCreateZaak(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%d", s.seq)
	url := baseURL(r) + "/zrc/zaken/" + id
	identificatie := "ZAAK-" + id
	if s.ZaakURL != "" {
		url = s.ZaakURL
	}
	if s.ZaakIdentificatie != "" {
		identificatie = s.ZaakIdentificatie
	}

	zaak := map[string]any{
		"url":           url,
		"identificatie": identificatie,
	}
	for k, v := range body {
		zaak[k] = v
	}
	zaak["einddatum"] = nil
	zaak["archiefnominatie"] = nil
	zaak["archiefactiedatum"] = nil
	s.zaken[url] = zaak
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, zaak)
}

func (s *Server) handleGetZaak(w http.ResponseWriter, r *http.Request) {
	url := baseURL(r) + r.URL.Path

	s.mu.Lock()
	zaak, ok := s.zaken[url]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Niet gevonden."})
		return
	}
	writeJSON(w, http.StatusOK, zaak)
}

func (s *Server) handleCreateStatus(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	zaakURL, _ := body["zaak"].(string)
	statustype, _ := body["statustype"].(string)

	s.mu.Lock()
	s.seq++
	status := map[string]any{
		"url":              fmt.Sprintf("%s/zrc/statussen/%d", baseURL(r), s.seq),
		"zaak":             zaakURL,
		"statustype":       statustype,
		"datumStatusGezet": body["datumStatusGezet"],
	}
	if zaak, ok := s.zaken[zaakURL]; ok && statustype == finalStatusType(zaak["zaaktype"]) {
		zaak["einddatum"] = "2026-10-19"
		zaak["archiefnominatie"] = "vernietigen"
		zaak["archiefactiedatum"] = "2036-10-19"
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleCreateResultaat(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"url":           fmt.Sprintf("%s/zrc/resultaten/%d", baseURL(r), seq),
		"zaak":          body["zaak"],
		"resultaattype": body["resultaattype"],
	})
}

func (s *Server) handleListStatusTypes(w http.ResponseWriter, r *http.Request) {
	zaaktype := r.URL.Query().Get("zaaktype")
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    2,
		"next":     nil,
		"previous": nil,
		"results": []map[string]any{
			{"url": initialStatusType(zaaktype), "zaaktype": zaaktype, "volgnummer": 1, "isEindstatus": false},
			{"url": finalStatusType(zaaktype), "zaaktype": zaaktype, "volgnummer": 2, "isEindstatus": true},
		},
	})
}

func initialStatusType(zaaktype any) string {
	return fmt.Sprintf("%v/statustypen/initial", zaaktype)
}

func finalStatusType(zaaktype any) string {
	return fmt.Sprintf("%v/statustypen/final", zaaktype)
}

// InitialStatusType is the url of the volgnummer 1 status type of zaaktype.
func InitialStatusType(zaaktype string) string {
	return initialStatusType(zaaktype)
}

// FinalStatusType is the url of the final status type of zaaktype.
func FinalStatusType(zaaktype string) string {
	return finalStatusType(zaaktype)
}

func baseURL(r *http.Request) string {
	return "http://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
