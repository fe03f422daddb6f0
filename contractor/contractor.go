/*
Package contractor keeps the directory of outside contractors that issues
can be handed to.

PURPOSE:
  Managers pick a contractor by specialty, preferring the ones flagged as
  preferred and the best rated. The engine only needs a name for an id, so
  Directory implements obligation.Contractors.

RULES:
  - Name, company and at least one specialty are required
  - Ratings run from 1 to 5; 0 means unrated
  - Find orders preferred first, then rating (high to low), then name

CONCURRENCY:
  Directory is safe for concurrent use. Everything returned is a copy.

SEE ALSO:
  - obligation/engine.go: AssignContractor
  - api/handlers.go: Contractor endpoints
*/
package contractor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
)

var (
	// ErrNotFound is returned for an unknown contractor id.
	ErrNotFound = errors.New("contractor not found")

	// ErrDuplicate is returned when adding an id that is already listed.
	ErrDuplicate = errors.New("contractor already exists")
)

// Specialty is a trade a contractor covers.
type Specialty string

const (
	Plumbing    Specialty = "plumbing"
	Electrical  Specialty = "electrical"
	HVAC        Specialty = "hvac"
	General     Specialty = "general"
	Carpentry   Specialty = "carpentry"
	Painting    Specialty = "painting"
	Landscaping Specialty = "landscaping"
	Cleaning    Specialty = "cleaning"
)

// ParseSpecialty accepts the canonical names case-insensitively, plus the
// long form "general maintenance".
func ParseSpecialty(s string) (Specialty, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "general maintenance", "general_maintenance":
		return General, nil
	case string(Plumbing), string(Electrical), string(HVAC), string(General),
		string(Carpentry), string(Painting), string(Landscaping), string(Cleaning):
		return Specialty(v), nil
	}
	return "", &obligation.ValidationError{Field: "specialty", Reason: fmt.Sprintf("unknown specialty %q", s)}
}

// Contractor is one directory entry.
type Contractor struct {
	ID          string
	Name        string
	Company     string
	Specialties []Specialty
	Email       string
	Phone       string
	HourlyRate  *decimal.Decimal
	Preferred   bool
	Rating      int // 0 when unrated
}

// Covers reports whether c works in specialty s.
func (c Contractor) Covers(s Specialty) bool {
	for _, have := range c.Specialties {
		if have == s {
			return true
		}
	}
	return false
}

func (c Contractor) clone() Contractor {
	c.Specialties = append([]Specialty(nil), c.Specialties...)
	if c.HourlyRate != nil {
		rate := *c.HourlyRate
		c.HourlyRate = &rate
	}
	return c
}

func (c *Contractor) validate() error {
	c.Name = strings.TrimSpace(c.Name)
	c.Company = strings.TrimSpace(c.Company)
	switch {
	case c.Name == "":
		return &obligation.ValidationError{Field: "name", Reason: "required"}
	case c.Company == "":
		return &obligation.ValidationError{Field: "company", Reason: "required"}
	case len(c.Specialties) == 0:
		return &obligation.ValidationError{Field: "specialties", Reason: "at least one required"}
	case c.HourlyRate != nil && c.HourlyRate.IsNegative():
		return &obligation.ValidationError{Field: "hourly_rate", Reason: "must not be negative"}
	case c.Rating != 0:
		return checkRating(c.Rating)
	}
	return nil
}

func checkRating(rating int) error {
	if rating < 1 || rating > 5 {
		return &obligation.ValidationError{Field: "rating", Reason: fmt.Sprintf("%d is outside 1..5", rating)}
	}
	return nil
}

// Query filters Find. Zero values match everything.
type Query struct {
	Specialty     Specialty
	PreferredOnly bool
}

// Directory is an in-memory contractor directory.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]Contractor
}

var _ obligation.Contractors = (*Directory)(nil)

// NewDirectory returns a directory holding cs.
func NewDirectory(cs ...Contractor) (*Directory, error) {
	d := &Directory{byID: make(map[string]Contractor)}
	for _, c := range cs {
		if _, err := d.Add(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add validates c and lists it. An empty ID gets a fresh ULID.
func (d *Directory) Add(c Contractor) (Contractor, error) {
	c = c.clone()
	if err := c.validate(); err != nil {
		return Contractor{}, err
	}
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[c.ID]; ok {
		return Contractor{}, fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
	}
	d.byID[c.ID] = c
	return c.clone(), nil
}

// Get returns one contractor.
func (d *Directory) Get(id string) (Contractor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return Contractor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

// Lookup returns the contractor's name.
func (d *Directory) Lookup(_ context.Context, id string) (string, error) {
	c, err := d.Get(id)
	if err != nil {
		return "", err
	}
	return c.Name, nil
}

// Find returns matching contractors, best candidates first.
func (d *Directory) Find(q Query) []Contractor {
	d.mu.RLock()
	out := make([]Contractor, 0, len(d.byID))
	for _, c := range d.byID {
		if q.Specialty != "" && !c.Covers(q.Specialty) {
			continue
		}
		if q.PreferredOnly && !c.Preferred {
			continue
		}
		out = append(out, c.clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Preferred != b.Preferred {
			return a.Preferred
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// SetPreferred flags or unflags a contractor.
func (d *Directory) SetPreferred(id string, preferred bool) (Contractor, error) {
	return d.update(id, func(c *Contractor) error {
		c.Preferred = preferred
		return nil
	})
}

// Rate records a 1 to 5 rating.
func (d *Directory) Rate(id string, rating int) (Contractor, error) {
	if err := checkRating(rating); err != nil {
		return Contractor{}, err
	}
	return d.update(id, func(c *Contractor) error {
		c.Rating = rating
		return nil
	})
}

func (d *Directory) update(id string, fn func(*Contractor) error) (Contractor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return Contractor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(&c); err != nil {
		return Contractor{}, err
	}
	d.byID[id] = c
	return c.clone(), nil
}
