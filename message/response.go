package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response is the text generated from one state transition.
type Response struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
	WindowStart time.Time `json:"window_start,omitzero"`
	WindowEnd   time.Time `json:"window_end,omitzero"`
	BundleID    string    `json:"bundle_id,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// Encode serializes the response for republishing.
func (r Response) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return data, nil
}
