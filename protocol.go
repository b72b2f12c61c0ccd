package main

import "github.com/carpi/headunit/internal/phone"

// commandResult is the body returned by the phone command endpoints.
type commandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// recentResult is the body of GET /api/phone/recent.
type recentResult struct {
	OK    bool               `json:"ok"`
	Calls []phone.RecentCall `json:"calls"`
}
