//go:build ignore
// +build ignore

// Sync Smoke Tool
// Drives a running API server through one full sync and reports the outcome.
//
// Usage:
//   go run scripts/sync_smoke.go \
//     --base=http://localhost:8080 \
//     --timeout=10m
//
// With --start=false the tool only checks health and prints the current
// sync status, which is handy against a production instance.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

var (
	baseURL = flag.String("base", "http://localhost:8080", "API base URL")
	start   = flag.Bool("start", true, "trigger a sync run (false = status only)")
	timeout = flag.Duration("timeout", 10*time.Minute, "max time to wait for the run to finish")
)

func main() {
	flag.Parse()

	health := getJSON("/health")
	fmt.Printf("health: status=%v sync_running=%v\n", health["status"], health["sync_running"])

	if !*start {
		status := getJSON("/api/sync/status")
		fmt.Printf("status: %s\n", compact(status))
		return
	}

	resp, err := http.Post(*baseURL+"/api/sync/start", "application/json", bytes.NewReader(nil))
	if err != nil {
		fail("starting sync: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fail("starting sync: unexpected status %d", resp.StatusCode)
	}
	fmt.Println("sync started, polling...")

	deadline := time.Now().Add(*timeout)
	for {
		if time.Now().After(deadline) {
			fail("sync did not finish within %s", *timeout)
		}
		time.Sleep(2 * time.Second)

		status := getJSON("/api/sync/status")
		state, _ := status["state"].(string)
		fmt.Printf("  state=%-9s stage=%v processed=%v total=%v %v\n",
			state, status["stage"], status["processed"], status["total"], orEmpty(status["message"]))
		switch state {
		case "completed", "stopped", "failed", "idle":
			errs := getJSON("/api/sync/errors")
			fmt.Printf("done: state=%s synced=%v queued_errors=%v\n",
				state, status["subscribers_synced"], errs["count"])
			if state == "failed" {
				os.Exit(1)
			}
			return
		}
	}
}

func getJSON(path string) map[string]interface{} {
	resp, err := http.Get(*baseURL + path)
	if err != nil {
		fail("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail("GET %s: decoding body: %v", path, err)
	}
	return out
}

func compact(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func orEmpty(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
