package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/lighthook/lighthook/internal/config"
	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/signature"
)

var (
	cfg      config.Config
	reqCount = 0
	maxAge   = 5 * time.Minute
)

func main() {
	cfg = config.FromEnv()
	if cfg.FakeReceiver.SigningLeewaySeconds > 0 {
		maxAge = time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if secret := cfg.FakeReceiver.SubscriptionSecret; secret != "" {
		sig := r.Header.Get(cfg.Webhook.SignatureHeader)
		if sig == "" {
			http.Error(w, "missing signature header", http.StatusUnauthorized)
			return
		}
		result := signature.VerifyEnvelope(b, sig, secret, domain.AlgorithmSHA256, maxAge)
		if !result.Valid {
			log.Printf("fake-receiver rejected webhook: %s", result.Reason)
			http.Error(w, result.Reason, http.StatusUnauthorized)
			return
		}
	}

	if cfg.FakeReceiver.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= cfg.FakeReceiver.FailFirstN {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", reqCount, cfg.FakeReceiver.FailFirstN, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s  headers=%d body=%q", r.URL.Path, len(r.Header), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
