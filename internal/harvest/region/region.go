// Package region defines the administrative region grid swept by the harvester.
package region

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unit is one city × district pair. It is the atomic unit of harvesting.
type Unit struct {
	City     string
	District string
}

// String renders the unit as "City District".
func (u Unit) String() string {
	return u.City + " " + u.District
}

// CityDistricts lists the districts of a single city, in harvesting order.
type CityDistricts struct {
	City      string   `yaml:"city" json:"city" toml:"city" mapstructure:"city"`
	Districts []string `yaml:"districts" json:"districts" toml:"districts" mapstructure:"districts"`
}

var (
	// ErrEmptyName is returned when a city or district name is blank.
	ErrEmptyName = errors.New("empty region name")
	// ErrDuplicateUnit is returned when the same city × district pair appears twice.
	ErrDuplicateUnit = errors.New("duplicate region")
	// ErrEmptyGrid is returned when a grid has no units at all.
	ErrEmptyGrid = errors.New("grid has no regions")
)

// Grid is an immutable, ordered set of units.
type Grid struct {
	units []Unit
}

// NewGrid builds a grid from cities, keeping cities and districts in declaration order.
// Names are trimmed and normalised to NFC, so that composed and decomposed spellings are one unit.
// Blank names and duplicate units are rejected.
func NewGrid(cities []CityDistricts) (Grid, error) {
	seen := make(map[Unit]struct{})
	var units []Unit
	for _, c := range cities {
		city := norm.NFC.String(strings.TrimSpace(c.City))
		if city == "" {
			return Grid{}, fmt.Errorf("%w: city with districts %v", ErrEmptyName, c.Districts)
		}
		for _, d := range c.Districts {
			district := norm.NFC.String(strings.TrimSpace(d))
			if district == "" {
				return Grid{}, fmt.Errorf("%w: district in %s", ErrEmptyName, city)
			}
			u := Unit{City: city, District: district}
			if _, ok := seen[u]; ok {
				return Grid{}, fmt.Errorf("%w: %s", ErrDuplicateUnit, u)
			}
			seen[u] = struct{}{}
			units = append(units, u)
		}
	}
	if len(units) == 0 {
		return Grid{}, ErrEmptyGrid
	}
	return Grid{units: units}, nil
}

// Units returns every unit of the grid in stable order.
// The returned slice is a copy.
func (g Grid) Units() []Unit {
	return slices.Clone(g.units)
}

// Len is the number of units in the grid.
func (g Grid) Len() int {
	return len(g.units)
}

// DefaultGrid is the built-in nationwide grid.
func DefaultGrid() Grid {
	g, err := NewGrid(defaultCities)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in grid: %v", err))
	}
	return g
}

var defaultCities = []CityDistricts{
	{City: "서울특별시", Districts: []string{"강남구", "강동구", "강북구", "강서구"}},
	{City: "부산광역시", Districts: []string{"강서구", "금정구", "남구", "동구"}},
	{City: "대구광역시", Districts: []string{"남구", "달서구", "동구", "북구"}},
	{City: "인천광역시", Districts: []string{"계양구", "남구", "동구", "미추홀구"}},
	{City: "광주광역시", Districts: []string{"광산구", "남구", "동구", "북구"}},
	{City: "대전광역시", Districts: []string{"대덕구", "동구", "서구", "유성구"}},
	{City: "울산광역시", Districts: []string{"남구", "동구", "북구", "울주군"}},
	{City: "세종특별자치시", Districts: []string{"세종특별자치시"}},
	{City: "경기도", Districts: []string{"가평군", "고양시", "과천시", "광명시"}},
	{City: "강원특별자치도", Districts: []string{"강릉시", "고성군", "동해시", "삼척시"}},
	{City: "충청북도", Districts: []string{"괴산군", "단양군", "보은군", "영동군"}},
	{City: "충청남도", Districts: []string{"계룡시", "공주시", "금산군", "논산시"}},
	{City: "전라북도", Districts: []string{"고창군", "군산시", "김제시", "남원시"}},
	{City: "전라남도", Districts: []string{"강진군", "고흥군", "곡성군", "광양시"}},
	{City: "경상북도", Districts: []string{"경산시", "경주시", "고령군", "구미시"}},
	{City: "경상남도", Districts: []string{"거제시", "거창군", "고성군", "김해시"}},
	{City: "제주특별자치도", Districts: []string{"제주시", "서귀포시"}},
}
