// Package main is a container liveness/readiness probe for the
// migration control plane. It issues one GET against the given URL
// (default: the local /readyz endpoint) and exits 0 on a 2xx answer,
// 1 otherwise. The response body is echoed on failure so probe logs
// show which component was down.
// Usage: healthcheck [http://localhost:8080/readyz]
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	url := defaultURL
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		os.Exit(0)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Fprintf(os.Stderr, "probe failed: status %d from %s\n%s\n", resp.StatusCode, url, body)
	os.Exit(1)
}
