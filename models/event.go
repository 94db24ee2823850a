package models

import (
	"encoding/json"
	"time"
)

// EventType tags a live broadcast event.
type EventType string

const (
	EventReading EventType = "reading"
	EventAmbient EventType = "ambient"
	EventChamber EventType = "chamber"
	EventControl EventType = "control"
	EventAnomaly EventType = "anomaly"
)

// Event is the discriminated envelope pushed to UI subscribers over
// the live broadcast boundary. Delivery is fire-and-forget.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// Marshal renders the event as its JSON wire form.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// AmbientSample is the payload for ambient and chamber events.
type AmbientSample struct {
	Source      string    `json:"source"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// AnomalyEvent is the payload for anomaly events.
type AnomalyEvent struct {
	DeviceID  string    `json:"device_id"`
	BatchID   int64     `json:"batch_id"`
	Quantity  Quantity  `json:"quantity"`
	Observed  float64   `json:"observed"`
	Predicted float64   `json:"predicted"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
