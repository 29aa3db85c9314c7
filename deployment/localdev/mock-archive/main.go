// mock-archive serves a small fixed results archive for local development
// of the analysis engine.
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"time"
)

type metricSample struct {
	Suite  string    `json:"suite"`
	Case   string    `json:"case"`
	Metric string    `json:"metric"`
	Kind   string    `json:"kind"`
	Value  float64   `json:"value"`
	Status string    `json:"status,omitempty"`
	Unit   string    `json:"unit,omitempty"`
	RunID  string    `json:"run_id"`
	Date   time.Time `json:"date"`
}

type historyWindow struct {
	Key      string    `json:"key"`
	Values   []float64 `json:"values"`
	Statuses []string  `json:"statuses,omitempty"`
}

func main() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		now := time.Now()
		writeJSON(w, map[string]any{
			"run_id":   runID,
			"patch_id": "patch-demo",
			"samples": []metricSample{
				{Suite: "unixbench", Case: "dhry2reg", Metric: "score", Kind: "benchmark", Value: 2450, RunID: runID, Date: now},
				{Suite: "unixbench", Case: "whetstone-double", Metric: "score", Kind: "benchmark", Value: 3890, RunID: runID, Date: now},
				{Suite: "ltp", Case: "mmap001", Metric: "status", Kind: "test_case", Value: 0, Status: "FAIL", RunID: runID, Date: now},
			},
		})
	})

	mux.HandleFunc("POST /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys   []string `json:"keys"`
			Window int      `json:"window"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		windows := make([]historyWindow, 0, len(req.Keys))
		for _, key := range req.Keys {
			windows = append(windows, synthWindow(key, req.Window))
		}
		writeJSON(w, map[string]any{"windows": windows})
	})

	mux.HandleFunc("GET /api/v1/patches/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"run_ids": []string{"run-0101", "run-0102"}})
	})

	mux.HandleFunc("GET /api/v1/runs/missing-analysis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"run_ids": []string{"run-0099", "run-0100", "run-0101"}})
	})

	mux.HandleFunc("POST /api/v1/runs/{id}/analysis", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("stored analysis for %s", r.PathValue("id"))
		writeJSON(w, map[string]any{"ok": true})
	})

	addr := ":9095"
	log.Printf("mock archive listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// synthWindow fabricates a stable baseline of 30 runs with small jitter. Test
// cases get an all-PASS history so current failures register as transitions.
func synthWindow(key string, window int) historyWindow {
	if window <= 0 || window > 30 {
		window = 30
	}
	rng := rand.New(rand.NewSource(int64(len(key)) * 7919))
	values := make([]float64, 0, window)
	base := 2400 + rng.Float64()*1600
	for i := 0; i < window; i++ {
		values = append(values, base*(1+0.01*(rng.Float64()-0.5)))
	}
	out := historyWindow{Key: key, Values: values}
	if key == "ltp::mmap001::status" {
		out.Values = nil
		out.Statuses = make([]string, window)
		for i := range out.Statuses {
			out.Statuses[i] = "PASS"
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("encode response: %v", err)
	}
}
