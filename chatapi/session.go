package chatapi

import (
	"encoding/json"
	"fmt"
	"os"
)

// Session is the saved credential state produced by the login flow. This tool
// only reads it; delete the file to log in again.
type Session struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	BaseURL     string `json:"base_url,omitempty"`
}

// LoadSession reads a saved session from path.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if s.AccessToken == "" {
		return nil, fmt.Errorf("credentials %s: missing access_token", path)
	}
	return &s, nil
}
