package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c lies within the WGS84 lat/lon ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type BookingStatus string

const (
	BookingPending            BookingStatus = "pending"
	BookingAssigned           BookingStatus = "assigned"
	BookingNoDriversAvailable BookingStatus = "no_drivers_available"
	BookingCompleted          BookingStatus = "completed"
	BookingCancelled          BookingStatus = "cancelled"
)

// Booking is an emergency transport request. The intake flow creates it;
// the dispatcher only writes the driver assignment, the status and the
// exhaustion note in Remarks.
type Booking struct {
	ID               string        `json:"id"`
	Lat              *float64      `json:"lat,omitempty"`
	Lon              *float64      `json:"lon,omitempty"`
	Address          string        `json:"address"`
	City             string        `json:"city"`
	PatientPhone     string        `json:"patient_phone"`
	Remarks          string        `json:"remarks"`
	NearestHospital  string        `json:"nearest_hospital,omitempty"`
	ServiceType      string        `json:"service_type,omitempty"`
	Status           BookingStatus `json:"status"`
	DriverID         *string       `json:"driver_id,omitempty"`
	DriverDistanceKm *float64      `json:"driver_distance_km,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

var (
	coordPairRe = regexp.MustCompile(`(?:^|[^\w.-])(-?\d{1,3}\.\d+)\s*,\s*(-?\d{1,3}\.\d+)\b`)
	latLngRe    = regexp.MustCompile(`(?i)lat(?:itude)?\s*[:=]?\s*(-?\d{1,3}(?:\.\d+)?)[\s,;]+(?:lng|lon|long|longitude)\s*[:=]?\s*(-?\d{1,3}(?:\.\d+)?)`)
	hospitalRe  = regexp.MustCompile(`(?im)^\s*(?:nearest\s+)?hospital\s*:\s*(.+?)\s*$`)
)

// Location returns the explicit coordinates when both are set, otherwise the
// first coordinate pair found in Remarks.
func (b *Booking) Location() (Coord, bool) {
	if b.Lat != nil && b.Lon != nil {
		c := Coord{Lat: *b.Lat, Lon: *b.Lon}
		return c, c.Valid()
	}
	return parseRemarksCoord(b.Remarks)
}

func parseRemarksCoord(remarks string) (Coord, bool) {
	if remarks == "" {
		return Coord{}, false
	}
	for _, re := range []*regexp.Regexp{latLngRe, coordPairRe} {
		for _, m := range re.FindAllStringSubmatch(remarks, -1) {
			lat, err1 := strconv.ParseFloat(m[1], 64)
			lon, err2 := strconv.ParseFloat(m[2], 64)
			if err1 != nil || err2 != nil {
				continue
			}
			c := Coord{Lat: lat, Lon: lon}
			if c.Valid() {
				return c, true
			}
		}
	}
	return Coord{}, false
}

// Hospital returns the hospital the intake flow attached to the booking.
func (b *Booking) Hospital() string {
	if b.NearestHospital != "" {
		return b.NearestHospital
	}
	if m := hospitalRe.FindStringSubmatch(b.Remarks); m != nil {
		return m[1]
	}
	return ""
}

type Driver struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Loc           Coord     `json:"loc"`
	Available     bool      `json:"is_available"`
	Online        bool      `json:"online"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	VehicleType   string    `json:"vehicle_type,omitempty"`
	ServiceType   string    `json:"service_type,omitempty"` // basic, icu, ...
	Updated       time.Time `json:"updated"`
}

// Dispatchable reports whether d may be offered a booking of serviceType.
func (d Driver) Dispatchable(serviceType string) bool {
	if !d.Available || !d.Online {
		return false
	}
	return serviceType == "" || strings.EqualFold(d.ServiceType, serviceType)
}

type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateCalling   CandidateStatus = "calling"
	CandidateAccepted  CandidateStatus = "accepted"
	CandidateRejected  CandidateStatus = "rejected"
	CandidateNoAnswer  CandidateStatus = "no_answer"
	CandidateFailed    CandidateStatus = "failed"
	CandidateCancelled CandidateStatus = "cancelled"
)

// Resolved reports whether s is a final candidate status.
func (s CandidateStatus) Resolved() bool {
	switch s {
	case CandidateAccepted, CandidateRejected, CandidateNoAnswer, CandidateFailed, CandidateCancelled:
		return true
	}
	return false
}

// QueueCandidate is one driver's slot in a booking's ranked dispatch queue.
// Rows are never deleted; together they form the dispatch audit trail.
type QueueCandidate struct {
	ID            string          `json:"id"`
	BookingID     string          `json:"booking_id"`
	DriverID      string          `json:"driver_id"`
	DriverName    string          `json:"driver_name"`
	DriverPhone   string          `json:"driver_phone"`
	DriverLoc     Coord           `json:"driver_loc"`
	Round         int             `json:"round"`
	Rank          int             `json:"rank"`
	Status        CandidateStatus `json:"status"`
	DistanceKm    float64         `json:"distance_km"`
	CallHandle    string          `json:"call_handle,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CallStartedAt *time.Time      `json:"call_started_at,omitempty"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// FormatDistance renders a distance for people; storage keeps the number.
func FormatDistance(km float64) string {
	return fmt.Sprintf("%.2f km", km)
}

type EventType string

const (
	EventQueueCreated      EventType = "queue_created"
	EventCandidateCalling  EventType = "candidate_calling"
	EventCandidateResolved EventType = "candidate_resolved"
	EventBookingAssigned   EventType = "booking_assigned"
	EventBookingExhausted  EventType = "booking_exhausted"
)

// DispatchEvent is the change-feed record published for every dispatch
// transition.
type DispatchEvent struct {
	Type        EventType       `json:"type"`
	BookingID   string          `json:"booking_id"`
	CandidateID string          `json:"candidate_id,omitempty"`
	DriverID    string          `json:"driver_id,omitempty"`
	Rank        int             `json:"rank,omitempty"`
	Status      CandidateStatus `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	At          time.Time       `json:"at"`
}
