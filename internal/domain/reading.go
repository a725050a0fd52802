package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reading is one captured register value set: the unit the cache stores and
// the event sink publishes. Coil and discrete-input bits are normalized to
// 0/1 values so the slice shape is the same for every kind.
type Reading struct {
	DeviceID  string       `json:"device_id"`
	Kind      RegisterKind `json:"register_kind"`
	Address   uint16       `json:"address"`
	Count     uint16       `json:"count"`
	Values    []uint16     `json:"values"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewReading builds a Reading stamped with the current time.
func NewReading(deviceID string, kind RegisterKind, address, count uint16, values []uint16) *Reading {
	return &Reading{
		DeviceID:  deviceID,
		Kind:      kind,
		Address:   address,
		Count:     count,
		Values:    values,
		Timestamp: time.Now().UTC(),
	}
}

// Topic derives the publish topic for this reading under the given prefix.
func (r *Reading) Topic(prefix string) string {
	return fmt.Sprintf("%s/%s/%s/%d", prefix, r.DeviceID, r.Kind, r.Address)
}

// ToJSON serializes the reading for the event sink.
func (r *Reading) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
