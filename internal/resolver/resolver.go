// Package resolver maps natural language patient references to patient
// records. Coordinators say "call Maria" or "the patient who missed
// last week", not "PT-COL-1234-007".
//
// The matching pipeline short-circuits on the first stage that
// produces results:
//
//  1. Exact patient id
//  2. Partial patient id (any status)
//  3. Name match (full, first+last, last, first, prefix)
//  4. Contextual match (trial, risk, event, symptom filters)
//
// ID stages search all patients; name and contextual stages only
// consider active and at-risk patients.
package resolver

import (
	"strings"

	"github.com/cadencehq/cadence/internal/trial"
)

// Match outcomes.
const (
	MatchExact    = "exact"
	MatchSingle   = "single"
	MatchMultiple = "multiple"
	MatchNone     = "none"
)

const maxAmbiguous = 5

// PatientSource supplies candidate patients. Records should carry
// events and risk factors for contextual matching to work.
type PatientSource interface {
	AllPatients() ([]*trial.Patient, error)
}

type Result struct {
	Match      string           `json:"match"`
	Patients   []*trial.Patient `json:"patients"`
	Confidence float64          `json:"confidence"`
}

type Resolver struct {
	source PatientSource
}

func New(source PatientSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve matches a reference against the patient population,
// optionally scoped to one site.
func (r *Resolver) Resolve(query, siteID string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Match: MatchNone, Patients: []*trial.Patient{}}, nil
	}

	all, err := r.source.AllPatients()
	if err != nil {
		return nil, err
	}

	allCandidates := filterCandidates(all, siteID, false)

	// 1. Exact patient id, any status
	var exact []*trial.Patient
	for _, p := range allCandidates {
		if p.ID == query {
			exact = append(exact, p)
		}
	}
	if len(exact) > 0 {
		return &Result{Match: MatchExact, Patients: exact, Confidence: 1.0}, nil
	}

	// 2. Partial patient id, any status
	queryUpper := strings.ToUpper(query)
	var partial []*trial.Patient
	for _, p := range allCandidates {
		if strings.Contains(strings.ToUpper(p.ID), queryUpper) {
			partial = append(partial, p)
		}
	}
	if len(partial) == 1 {
		return &Result{Match: MatchSingle, Patients: partial, Confidence: 0.95}, nil
	}
	if len(partial) > 1 {
		return &Result{Match: MatchMultiple, Patients: cap5(partial), Confidence: 0.90}, nil
	}

	// Name and contextual stages only see active patients
	candidates := filterCandidates(all, siteID, true)

	if patients, confidence, ok := nameMatch(query, candidates); ok {
		if len(patients) == 1 && confidence >= 0.7 {
			return &Result{Match: MatchSingle, Patients: patients, Confidence: confidence}, nil
		}
		if len(patients) <= maxAmbiguous {
			return &Result{Match: MatchMultiple, Patients: patients, Confidence: confidence}, nil
		}
	}

	if patients, confidence, ok := contextualMatch(query, candidates); ok {
		if len(patients) == 1 && confidence >= 0.6 {
			return &Result{Match: MatchSingle, Patients: patients, Confidence: confidence}, nil
		}
		return &Result{Match: MatchMultiple, Patients: cap5(patients), Confidence: confidence}, nil
	}

	return &Result{Match: MatchNone, Patients: []*trial.Patient{}}, nil
}

func filterCandidates(patients []*trial.Patient, siteID string, activeOnly bool) []*trial.Patient {
	var out []*trial.Patient
	for _, p := range patients {
		if siteID != "" && p.SiteID != siteID {
			continue
		}
		if activeOnly && p.Status != trial.StatusActive && p.Status != trial.StatusAtRisk {
			continue
		}
		out = append(out, p)
	}
	return out
}

func cap5(patients []*trial.Patient) []*trial.Patient {
	if len(patients) > maxAmbiguous {
		return patients[:maxAmbiguous]
	}
	return patients
}

func nameMatch(query string, candidates []*trial.Patient) ([]*trial.Patient, float64, bool) {
	queryLower := strings.ToLower(query)
	tokens := strings.Fields(queryLower)

	if len(tokens) >= 2 {
		// Full name match
		var full []*trial.Patient
		for _, p := range candidates {
			if queryLower == strings.ToLower(p.Name) {
				full = append(full, p)
			}
		}
		if len(full) > 0 {
			return full, 0.95, true
		}

		// First and last token against first and last name part
		firstTok, lastTok := tokens[0], tokens[len(tokens)-1]
		var partial []*trial.Patient
		for _, p := range candidates {
			parts := strings.Fields(strings.ToLower(p.Name))
			if len(parts) == 0 {
				continue
			}
			if strings.Contains(parts[0], firstTok) && strings.Contains(parts[len(parts)-1], lastTok) {
				partial = append(partial, p)
			}
		}
		if len(partial) > 0 {
			return partial, 0.90, true
		}
	}

	if len(tokens) == 1 {
		token := tokens[0]

		var last, first, prefix []*trial.Patient
		for _, p := range candidates {
			parts := strings.Fields(strings.ToLower(p.Name))
			if len(parts) == 0 {
				continue
			}
			if token == parts[len(parts)-1] {
				last = append(last, p)
			}
			if token == parts[0] {
				first = append(first, p)
			}
			for _, part := range parts {
				if strings.HasPrefix(part, token) {
					prefix = append(prefix, p)
					break
				}
			}
		}
		if len(last) > 0 {
			return last, 0.85, true
		}
		if len(first) > 0 {
			return first, 0.75, true
		}
		if len(prefix) > 0 {
			return prefix, 0.65, true
		}
	}

	return nil, 0, false
}

func contextualMatch(query string, candidates []*trial.Patient) ([]*trial.Patient, float64, bool) {
	queryLower := strings.ToLower(query)
	results := candidates

	// Trial reference: any query token appearing in the trial name
	for _, token := range strings.Fields(queryLower) {
		if len(token) < 4 {
			continue
		}
		var byTrial []*trial.Patient
		for _, p := range results {
			if strings.Contains(strings.ToLower(p.TrialName), token) {
				byTrial = append(byTrial, p)
			}
		}
		if len(byTrial) > 0 && len(byTrial) < len(results) {
			results = byTrial
			break
		}
	}

	if strings.Contains(queryLower, "high risk") || strings.Contains(queryLower, "high-risk") {
		results = filterPatients(results, func(p *trial.Patient) bool {
			return p.DropoutRiskScore >= 0.7
		})
	} else if strings.Contains(queryLower, "at risk") || strings.Contains(queryLower, "at_risk") {
		results = filterPatients(results, func(p *trial.Patient) bool {
			return p.Status == trial.StatusAtRisk
		})
	}

	if strings.Contains(queryLower, "missed") && strings.Contains(queryLower, "visit") {
		results = filterPatients(results, func(p *trial.Patient) bool {
			for _, e := range p.Events {
				if e.Type == "missed_visit" {
					return true
				}
			}
			return false
		})
	} else if strings.Contains(queryLower, "missed") {
		results = filterPatients(results, func(p *trial.Patient) bool {
			return p.VisitsMissed > 0
		})
	}

	if strings.Contains(queryLower, "nausea") || strings.Contains(queryLower, "side effect") {
		results = filterPatients(results, func(p *trial.Patient) bool {
			for _, rf := range p.RiskFactors {
				rfLower := strings.ToLower(rf)
				if strings.Contains(rfLower, "nausea") || strings.Contains(rfLower, "side effect") {
					return true
				}
			}
			for _, e := range p.Events {
				if e.Type == "adverse_event_reported" {
					return true
				}
			}
			return false
		})
	}

	// Only meaningful when at least one filter narrowed the set
	if len(results) > 0 && len(results) < len(candidates) {
		confidence := 0.55
		if len(results) <= 3 {
			confidence = 0.70
		}
		return results, confidence, true
	}
	return nil, 0, false
}

func filterPatients(patients []*trial.Patient, keep func(*trial.Patient) bool) []*trial.Patient {
	var out []*trial.Patient
	for _, p := range patients {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
