// Package places turns postal codes into institution listings: it searches
// the Places API per pincode, looks up contact details for every match and
// flattens both into output records.
package places

import (
	"strconv"
	"strings"

	"github.com/sells-group/pincode-places/pkg/google"
)

const (
	// NotAvailable fills contact fields the API did not return.
	NotAvailable = "N/A"
	// NoRating is the Reviews value for unrated places.
	NoRating = "no rating available"

	stars = "⭐"
)

// School types derived from place tags.
const (
	TypeCollege = "College"
	TypeSchool  = "School"
)

// Columns is the fixed header of the output sheet, in Record field order.
var Columns = []string{
	"Pincode",
	"School Name",
	"Address",
	"Reviews",
	"State",
	"Phone No",
	"Email ID",
	"School Type",
	"Website",
}

// Record is one flattened output row.
type Record struct {
	Pincode    string `json:"pincode" yaml:"pincode"`
	SchoolName string `json:"school_name" yaml:"school_name"`
	Address    string `json:"address" yaml:"address"`
	Reviews    string `json:"reviews" yaml:"reviews"`
	State      string `json:"state" yaml:"state"`
	Phone      string `json:"phone" yaml:"phone"`
	Email      string `json:"email" yaml:"email"`
	SchoolType string `json:"school_type" yaml:"school_type"`
	Website    string `json:"website" yaml:"website"`
}

// Values returns the record's cells in Columns order.
func (r Record) Values() []string {
	return []string{
		r.Pincode,
		r.SchoolName,
		r.Address,
		r.Reviews,
		r.State,
		r.Phone,
		r.Email,
		r.SchoolType,
		r.Website,
	}
}

// BuildRecord merges a search result and its detail lookup into a Record.
func BuildRecord(pincode string, place google.Place, detail google.PlaceDetail) Record {
	return Record{
		Pincode:    pincode,
		SchoolName: place.Name,
		Address:    place.FormattedAddress,
		Reviews:    FormatRating(place.Rating),
		State:      DeriveState(place.FormattedAddress),
		Phone:      orNotAvailable(detail.FormattedPhoneNumber),
		Email:      NotAvailable,
		SchoolType: Classify(place.Types),
		Website:    orNotAvailable(detail.Website),
	}
}

// DeriveState returns the second-to-last ", "-separated address segment,
// or "" when the address has fewer than two segments.
func DeriveState(address string) string {
	parts := strings.Split(address, ", ")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// FormatRating renders a 0-5 rating as "4.5 ⭐"; zero means unrated.
func FormatRating(rating float64) string {
	if rating == 0 {
		return NoRating
	}
	return strconv.FormatFloat(rating, 'f', -1, 64) + " " + stars
}

// Classify maps place tags to a school type. Only exact tags count:
// university/college win over school/academy; anything else is "".
func Classify(types []string) string {
	if hasAny(types, "university", "college") {
		return TypeCollege
	}
	if hasAny(types, "school", "academy") {
		return TypeSchool
	}
	return ""
}

func hasAny(types []string, want ...string) bool {
	for _, t := range types {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

func orNotAvailable(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}
