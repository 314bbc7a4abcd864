package models

import (
	"strings"
	"time"
)

// Domain models shared by both persistence backends. Storage-specific
// shapes (gorm rows, JSON documents) live next to each backend.

type Account struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Email           *string   `json:"email,omitempty"`
	ProfileComplete bool      `json:"profile_complete"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AccountUpdate carries explicit account edits. Nil fields are left as is.
type AccountUpdate struct {
	Email           *string
	PasswordHash    *string
	ProfileComplete *bool
}

// IsEmpty reports whether the update changes nothing.
func (u AccountUpdate) IsEmpty() bool {
	return u.Email == nil && u.PasswordHash == nil && u.ProfileComplete == nil
}

type Profile struct {
	AccountID        int64     `json:"account_id"`
	FullName         string    `json:"full_name"`
	FarmName         string    `json:"farm_name"`
	Location         string    `json:"location"`
	District         string    `json:"district"`
	FarmSize         string    `json:"farm_size"`
	MainCrops        string    `json:"main_crops"`
	SoilType         string    `json:"soil_type"`
	IrrigationMethod string    `json:"irrigation_method"`
	CropStatus       string    `json:"crop_status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Crops splits the comma-joined MainCrops list, dropping blanks.
func (p *Profile) Crops() []string {
	var out []string
	for _, c := range strings.Split(p.MainCrops, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ProfileFields is a partial profile update: only non-nil fields change.
type ProfileFields struct {
	FullName         *string `json:"full_name,omitempty"`
	FarmName         *string `json:"farm_name,omitempty"`
	Location         *string `json:"location,omitempty"`
	District         *string `json:"district,omitempty"`
	FarmSize         *string `json:"farm_size,omitempty"`
	MainCrops        *string `json:"main_crops,omitempty"`
	SoilType         *string `json:"soil_type,omitempty"`
	IrrigationMethod *string `json:"irrigation_method,omitempty"`
	CropStatus       *string `json:"crop_status,omitempty"`
}

// Apply copies the supplied fields onto p.
func (f ProfileFields) Apply(p *Profile) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.FullName, f.FullName)
	set(&p.FarmName, f.FarmName)
	set(&p.Location, f.Location)
	set(&p.District, f.District)
	set(&p.FarmSize, f.FarmSize)
	set(&p.MainCrops, f.MainCrops)
	set(&p.SoilType, f.SoilType)
	set(&p.IrrigationMethod, f.IrrigationMethod)
	set(&p.CropStatus, f.CropStatus)
}

// Columns returns the supplied fields keyed by their snake_case column name.
func (f ProfileFields) Columns() map[string]any {
	out := make(map[string]any)
	add := func(name string, v *string) {
		if v != nil {
			out[name] = *v
		}
	}
	add("full_name", f.FullName)
	add("farm_name", f.FarmName)
	add("location", f.Location)
	add("district", f.District)
	add("farm_size", f.FarmSize)
	add("main_crops", f.MainCrops)
	add("soil_type", f.SoilType)
	add("irrigation_method", f.IrrigationMethod)
	add("crop_status", f.CropStatus)
	return out
}

type AnalysisKind string

const (
	KindPlant AnalysisKind = "plant"
	KindSoil  AnalysisKind = "soil"
)

// Valid reports whether k is a known analysis kind.
func (k AnalysisKind) Valid() bool {
	return k == KindPlant || k == KindSoil
}

// Payload is the structured result of one analysis. Values must be JSON-safe
// by the time they reach a backend.
type Payload map[string]any

type Analysis struct {
	ID        int64        `json:"id"`
	AccountID int64        `json:"account_id"`
	Kind      AnalysisKind `json:"kind"`
	ImagePath *string      `json:"image_path,omitempty"`
	Result    Payload      `json:"result"`
	CreatedAt time.Time    `json:"created_at"`
}
