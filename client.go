package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func serverURL() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.ServerURL, nil
}

// apiCall sends a request to a running `headunit serve` and decodes the JSON
// response into out.
func apiCall(base, method, path string, out any) error {
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to server: %w (is `headunit serve` running?)", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus() error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	var st map[string]any
	if err := apiCall(base, http.MethodGet, "/api/phone/status", &st); err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

func runCommand(name string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	return sendCommand(os.Stdout, base, name)
}

func sendCommand(w io.Writer, base, name string) error {
	var res commandResult
	if err := apiCall(base, http.MethodPost, "/api/phone/"+name, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
	return nil
}

func runRecent() error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	return listRecent(os.Stdout, base)
}

func listRecent(w io.Writer, base string) error {
	var res recentResult
	if err := apiCall(base, http.MethodGet, "/api/phone/recent", &res); err != nil {
		return err
	}
	if len(res.Calls) == 0 {
		fmt.Fprintln(w, "no recent calls")
		return nil
	}
	for _, c := range res.Calls {
		fmt.Fprintf(w, "%s  %-8s  %s (%s)\n", c.Time, c.Direction, c.Name, c.Number)
	}
	return nil
}
