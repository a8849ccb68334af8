package domain

import (
	"time"

	"github.com/google/uuid"
)

// Profile holds the personal details section of a résumé. Every field is
// optional and defaults to the empty string.
type Profile struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
	Summary  string `json:"summary"`
}

// WorkExperience is a single position held.
type WorkExperience struct {
	Company     string   `json:"company"`
	Position    string   `json:"position"`
	Location    string   `json:"location"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	Description string   `json:"description"`
	Highlights  []string `json:"highlights"`
}

// Education is a single degree or course of study.
type Education struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Field       string `json:"field"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Description string `json:"description"`
}

// Project is a portfolio entry.
type Project struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Description  string   `json:"description"`
	URL          string   `json:"url"`
	Technologies []string `json:"technologies"`
}

// Skill is a tagged category with free-text detail.
type Skill struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

// CustomSection captures any section that has no dedicated field.
type CustomSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ResumeDocument is the canonical, schema-complete résumé shape.
//
// Every slice is non-nil once the document has been through EnsureArrays,
// so it always serializes as an array, never null.
type ResumeDocument struct {
	Profile        Profile          `json:"profile"`
	WorkExperience []WorkExperience `json:"workExperience"`
	Education      []Education      `json:"education"`
	Projects       []Project        `json:"projects"`
	Skills         []Skill          `json:"skills"`
	CustomSections []CustomSection  `json:"customSections"`
}

// NewResumeDocument returns an empty document with all arrays initialized.
func NewResumeDocument() *ResumeDocument {
	doc := &ResumeDocument{}
	doc.EnsureArrays()
	return doc
}

// EnsureArrays replaces nil slices, including nested ones, with empty slices.
func (d *ResumeDocument) EnsureArrays() {
	if d.WorkExperience == nil {
		d.WorkExperience = []WorkExperience{}
	}
	for i := range d.WorkExperience {
		if d.WorkExperience[i].Highlights == nil {
			d.WorkExperience[i].Highlights = []string{}
		}
	}
	if d.Education == nil {
		d.Education = []Education{}
	}
	if d.Projects == nil {
		d.Projects = []Project{}
	}
	for i := range d.Projects {
		if d.Projects[i].Technologies == nil {
			d.Projects[i].Technologies = []string{}
		}
	}
	if d.Skills == nil {
		d.Skills = []Skill{}
	}
	if d.CustomSections == nil {
		d.CustomSections = []CustomSection{}
	}
}

// IsEmpty reports whether the document carries no content at all.
func (d *ResumeDocument) IsEmpty() bool {
	return d.Profile == (Profile{}) &&
		len(d.WorkExperience) == 0 &&
		len(d.Education) == 0 &&
		len(d.Projects) == 0 &&
		len(d.Skills) == 0 &&
		len(d.CustomSections) == 0
}

// ResumeRecord is a stored canonical document that later tasks can
// customize. Records written by the pipeline share the ID of the task that
// produced them.
type ResumeRecord struct {
	ID           uuid.UUID       `json:"id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Document     *ResumeDocument `json:"document"`
	SourceTaskID *uuid.UUID      `json:"source_task_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
