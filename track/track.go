// Package track models carrier tracking timelines: the event sequence a
// carrier reports for one shipment, plus the checksum used to detect
// changes between polls.
package track

import "time"

// StatusCode classifies a tracking event.
type StatusCode string

const (
	StatusInformationReceived StatusCode = "INFORMATION_RECEIVED"
	StatusAtPickup            StatusCode = "AT_PICKUP"
	StatusInTransit           StatusCode = "IN_TRANSIT"
	StatusOutForDelivery      StatusCode = "OUT_FOR_DELIVERY"
	StatusAttemptFail         StatusCode = "ATTEMPT_FAIL"
	StatusDelivered           StatusCode = "DELIVERED"
	StatusAvailableForPickup  StatusCode = "AVAILABLE_FOR_PICKUP"
	StatusException           StatusCode = "EXCEPTION"
	StatusUnknown             StatusCode = "UNKNOWN"
)

// Valid reports whether s is one of the defined status codes.
func (s StatusCode) Valid() bool {
	switch s {
	case StatusInformationReceived, StatusAtPickup, StatusInTransit,
		StatusOutForDelivery, StatusAttemptFail, StatusDelivered,
		StatusAvailableForPickup, StatusException, StatusUnknown:
		return true
	}
	return false
}

// Normalize maps undefined codes to StatusUnknown.
func (s StatusCode) Normalize() StatusCode {
	if s.Valid() {
		return s
	}
	return StatusUnknown
}

// Event is one step in a shipment's tracking timeline.
type Event struct {
	Time        time.Time  `json:"time"`
	Status      StatusCode `json:"status"`
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Party identifies the sender or recipient of a shipment.
type Party struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// Info is the tracking state a carrier reports for one tracking number.
// Only Events participates in change detection; sender and recipient data
// rarely change and would produce spurious deliveries.
type Info struct {
	Events              []Event           `json:"events"`
	Sender              *Party            `json:"sender,omitempty"`
	Recipient           *Party            `json:"recipient,omitempty"`
	CarrierSpecificData map[string]string `json:"carrierSpecificData,omitempty"`
}

// Clone returns a deep copy of the Info. Cache consumers receive clones so
// a caller mutating the result cannot corrupt the shared entry.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := &Info{}
	if i.Events != nil {
		out.Events = make([]Event, len(i.Events))
		copy(out.Events, i.Events)
	}
	if i.Sender != nil {
		s := *i.Sender
		out.Sender = &s
	}
	if i.Recipient != nil {
		r := *i.Recipient
		out.Recipient = &r
	}
	if i.CarrierSpecificData != nil {
		out.CarrierSpecificData = make(map[string]string, len(i.CarrierSpecificData))
		for k, v := range i.CarrierSpecificData {
			out.CarrierSpecificData[k] = v
		}
	}
	return out
}
