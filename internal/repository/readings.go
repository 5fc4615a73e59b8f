package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

const (
	defaultReadingsLimit = 100
	defaultRecentDays    = 30
	defaultAverageDays   = 7
	trendThreshold       = 5.0

	ocrNotes  = "Reading from OCR"
	ocrDevice = "OCR_DEVICE"
)

// Reading categories.
const (
	CategoryCrisis   = "Hypertensive Crisis"
	CategoryStage2   = "Stage 2 Hypertension"
	CategoryStage1   = "Stage 1 Hypertension"
	CategoryElevated = "Elevated"
	CategoryNormal   = "Normal"
)

// Trend directions reported by Stats.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

var interpretations = map[string]string{
	CategoryCrisis:   "Hypertensive Crisis - Seek immediate medical attention",
	CategoryStage2:   "Stage 2 Hypertension - Consult your doctor",
	CategoryStage1:   "Stage 1 Hypertension - Monitor closely",
	CategoryElevated: "Elevated - Take preventive measures",
	CategoryNormal:   "Normal blood pressure - Keep up the good work!",
}

type bound struct {
	min, max int
}

var (
	systolicRange  = bound{min: 70, max: 250}
	diastolicRange = bound{min: 40, max: 150}
	pulseRange     = bound{min: 30, max: 220}
)

// ReadingInput describes a measurement to store.
type ReadingInput struct {
	Systolic       int        `json:"systolic"`
	Diastolic      int        `json:"diastolic"`
	Pulse          *int       `json:"pulse"`
	Notes          string     `json:"notes"`
	DeviceID       string     `json:"device_id"`
	Interpretation string     `json:"interpretation"`
	ReadingTime    *time.Time `json:"reading_time"`
}

// Averages summarizes a period of readings.
type Averages struct {
	Systolic     int  `json:"systolic"`
	Diastolic    int  `json:"diastolic"`
	Pulse        *int `json:"pulse"`
	ReadingCount int  `json:"readingCount"`
	Period       int  `json:"period"`
}

// ReadingStats summarizes a period of readings by category and trend.
type ReadingStats struct {
	TotalReadings int            `json:"totalReadings"`
	Averages      *Averages      `json:"averages"`
	Categories    map[string]int `json:"categories"`
	Trend         string         `json:"trend,omitempty"`
	Period        int            `json:"period"`
}

// Readings stores blood pressure measurements.
type Readings struct {
	*Base[*records.Reading]
}

// NewReadings constructs the readings repository.
func NewReadings(cfg Config) (*Readings, error) {
	base, err := NewBase[*records.Reading](cfg, records.ReadingsTable)
	if err != nil {
		return nil, err
	}
	return &Readings{Base: base}, nil
}

// CreateReading validates and stores a measurement for a user.
func (r *Readings) CreateReading(ctx context.Context, userID int64, input ReadingInput) (*records.Reading, error) {
	if err := validateReading(input.Systolic, input.Diastolic, input.Pulse); err != nil {
		return nil, err
	}
	readingTime := r.now()
	if input.ReadingTime != nil && !input.ReadingTime.IsZero() {
		readingTime = input.ReadingTime.UTC()
	}
	interpretation := input.Interpretation
	if interpretation == "" {
		interpretation = Interpret(input.Systolic, input.Diastolic)
	}
	reading := &records.Reading{
		Systolic:       input.Systolic,
		Diastolic:      input.Diastolic,
		Pulse:          input.Pulse,
		Notes:          input.Notes,
		DeviceID:       input.DeviceID,
		Interpretation: interpretation,
		ReadingTime:    readingTime,
	}
	return r.Create(ctx, reading, userID)
}

// SaveOCRReading stores a measurement captured by text recognition.
func (r *Readings) SaveOCRReading(ctx context.Context, userID int64, input ReadingInput) (*records.Reading, error) {
	if input.Notes == "" {
		input.Notes = ocrNotes
	}
	if input.DeviceID == "" {
		input.DeviceID = ocrDevice
	}
	return r.CreateReading(ctx, userID, input)
}

// ReadingsForUser returns a user's readings, newest first. A non-positive
// limit selects the default of 100.
func (r *Readings) ReadingsForUser(ctx context.Context, userID int64, limit int) ([]*records.Reading, error) {
	if limit <= 0 {
		limit = defaultReadingsLimit
	}
	return r.FindAll(ctx, store.Query{
		Conditions: map[string]any{"user_id": userID},
		OrderBy:    "reading_time DESC",
		Limit:      limit,
	}, false)
}

// RecentReadings returns the readings of the last days, newest first.
func (r *Readings) RecentReadings(ctx context.Context, userID int64, days int) ([]*records.Reading, error) {
	if days <= 0 {
		days = defaultRecentDays
	}
	cutoff := r.now().AddDate(0, 0, -days)
	return r.readingsBetween(ctx, userID, cutoff, time.Time{})
}

// ReadingsByDateRange returns readings taken within [start, end], newest
// first.
func (r *Readings) ReadingsByDateRange(ctx context.Context, userID int64, start, end time.Time) ([]*records.Reading, error) {
	if !end.IsZero() && end.Before(start) {
		return nil, validationError("end", "must not precede start")
	}
	return r.readingsBetween(ctx, userID, start, end)
}

// AverageReadings averages the readings of the last days. It returns nil
// when there are none.
func (r *Readings) AverageReadings(ctx context.Context, userID int64, days int) (*Averages, error) {
	if days <= 0 {
		days = defaultAverageDays
	}
	readings, err := r.RecentReadings(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	return average(readings, days), nil
}

// LatestReading returns the most recent reading of a user.
func (r *Readings) LatestReading(ctx context.Context, userID int64) (*records.Reading, error) {
	readings, err := r.ReadingsForUser(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: no readings for user %d", store.ErrNotFound, userID)
	}
	return readings[0], nil
}

// Stats counts categories over the last days and compares the older half of
// the period against the newer half.
func (r *Readings) Stats(ctx context.Context, userID int64, days int) (ReadingStats, error) {
	if days <= 0 {
		days = defaultRecentDays
	}
	readings, err := r.RecentReadings(ctx, userID, days)
	if err != nil {
		return ReadingStats{}, err
	}
	stats := ReadingStats{
		TotalReadings: len(readings),
		Categories:    map[string]int{},
		Period:        days,
	}
	if len(readings) == 0 {
		return stats, nil
	}
	stats.Averages = average(readings, days)
	for _, reading := range readings {
		stats.Categories[Category(reading.Systolic, reading.Diastolic)]++
	}
	stats.Trend = trend(readings)
	return stats, nil
}

// UpdateReading replaces the measured values, revalidating them and
// recomputing the interpretation.
func (r *Readings) UpdateReading(ctx context.Context, id int64, input ReadingInput) (*records.Reading, error) {
	if err := validateReading(input.Systolic, input.Diastolic, input.Pulse); err != nil {
		return nil, err
	}
	changes := map[string]any{
		"systolic":       input.Systolic,
		"diastolic":      input.Diastolic,
		"pulse":          input.Pulse,
		"notes":          input.Notes,
		"interpretation": Interpret(input.Systolic, input.Diastolic),
	}
	if input.DeviceID != "" {
		changes["device_id"] = input.DeviceID
	}
	if input.ReadingTime != nil && !input.ReadingTime.IsZero() {
		changes["reading_time"] = input.ReadingTime.UTC()
	}
	return r.Update(ctx, id, changes)
}

// DeleteReading tombstones a reading.
func (r *Readings) DeleteReading(ctx context.Context, id int64) error {
	return r.Delete(ctx, id)
}

// Interpret returns the advice text for a measurement.
func Interpret(systolic, diastolic int) string {
	return interpretations[Category(systolic, diastolic)]
}

// Category classifies a measurement.
func Category(systolic, diastolic int) string {
	switch {
	case systolic > 180 || diastolic > 120:
		return CategoryCrisis
	case systolic >= 140 || diastolic >= 90:
		return CategoryStage2
	case systolic >= 130 || diastolic >= 80:
		return CategoryStage1
	case systolic >= 120 && diastolic < 80:
		return CategoryElevated
	default:
		return CategoryNormal
	}
}

func (r *Readings) readingsBetween(ctx context.Context, userID int64, start, end time.Time) ([]*records.Reading, error) {
	all, err := r.FindAll(ctx, store.Query{
		Conditions: map[string]any{"user_id": userID},
		OrderBy:    "reading_time DESC",
	}, false)
	if err != nil {
		return nil, err
	}
	out := make([]*records.Reading, 0, len(all))
	for _, reading := range all {
		if reading.ReadingTime.Before(start) {
			continue
		}
		if !end.IsZero() && reading.ReadingTime.After(end) {
			continue
		}
		out = append(out, reading)
	}
	return out, nil
}

func validateReading(systolic, diastolic int, pulse *int) error {
	if systolic == 0 {
		return validationError("systolic", "is required")
	}
	if diastolic == 0 {
		return validationError("diastolic", "is required")
	}
	if err := systolicRange.check("systolic", systolic); err != nil {
		return err
	}
	if err := diastolicRange.check("diastolic", diastolic); err != nil {
		return err
	}
	if pulse != nil {
		return pulseRange.check("pulse", *pulse)
	}
	return nil
}

func (b bound) check(field string, value int) error {
	if value < b.min || value > b.max {
		return validationError(field, fmt.Sprintf("must be between %d and %d", b.min, b.max))
	}
	return nil
}

func average(readings []*records.Reading, days int) *Averages {
	if len(readings) == 0 {
		return nil
	}
	var systolic, diastolic, pulse, pulses int
	for _, reading := range readings {
		systolic += reading.Systolic
		diastolic += reading.Diastolic
		if reading.Pulse != nil {
			pulse += *reading.Pulse
			pulses++
		}
	}
	result := &Averages{
		Systolic:     roundedMean(systolic, len(readings)),
		Diastolic:    roundedMean(diastolic, len(readings)),
		ReadingCount: len(readings),
		Period:       days,
	}
	if pulses > 0 {
		mean := roundedMean(pulse, pulses)
		result.Pulse = &mean
	}
	return result
}

func roundedMean(sum, count int) int {
	return int(math.Round(float64(sum) / float64(count)))
}

// trend expects readings newest first.
func trend(readings []*records.Reading) string {
	midpoint := len(readings) / 2
	newer, older := readings[:midpoint], readings[midpoint:]
	if len(newer) == 0 || len(older) == 0 {
		return ""
	}
	newerMean := meanSystolic(newer)
	olderMean := meanSystolic(older)
	switch {
	case newerMean > olderMean+trendThreshold:
		return TrendIncreasing
	case newerMean < olderMean-trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func meanSystolic(readings []*records.Reading) float64 {
	sum := 0
	for _, reading := range readings {
		sum += reading.Systolic
	}
	return float64(sum) / float64(len(readings))
}
