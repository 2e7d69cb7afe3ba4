package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Seed is a fixture for running without Postgres: bookings for the memory
// store and drivers for the in-memory index.
type Seed struct {
	Bookings []models.Booking `json:"bookings"`
	Drivers  []models.Driver  `json:"drivers"`
}

func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return DecodeSeed(f)
}

// DecodeSeed reads a seed document. Bookings without a status start pending.
func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for i := range s.Bookings {
		b := &s.Bookings[i]
		if b.ID == "" {
			return Seed{}, fmt.Errorf("seed booking %d: missing id", i)
		}
		if b.Status == "" {
			b.Status = models.BookingPending
		}
	}
	for i, d := range s.Drivers {
		if d.ID == "" || !d.Loc.Valid() {
			return Seed{}, fmt.Errorf("seed driver %d: id and a valid location are required", i)
		}
	}
	return s, nil
}
