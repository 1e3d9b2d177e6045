// Package quadrant maps drag gestures onto the four Eisenhower quadrants.
package quadrant

import (
	"errors"
	"fmt"
	"math"

	"github.com/BuzzLyutic/triage/internal/model"
)

// DefaultTriggerRadius is the release distance a drag must exceed to commit.
const DefaultTriggerRadius = 125.0

var ErrInvalidRadius = errors.New("invalid radius")

// Displacement is a drag offset from the card's origin. Screen coordinates:
// negative DY points up.
type Displacement struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (d Displacement) Distance() float64 {
	return math.Hypot(d.DX, d.DY)
}

// Finite reports whether both components are real numbers.
func (d Displacement) Finite() bool {
	return !math.IsNaN(d.DX) && !math.IsInf(d.DX, 0) && !math.IsNaN(d.DY) && !math.IsInf(d.DY, 0)
}

// Classify returns the quadrant by the signs of the displacement. A sample on
// either axis has no quadrant.
func Classify(d Displacement) (model.Priority, bool) {
	switch {
	case d.DX < 0 && d.DY < 0:
		return model.PriorityDo, true
	case d.DX > 0 && d.DY < 0:
		return model.PriorityDecide, true
	case d.DX < 0 && d.DY > 0:
		return model.PriorityDelegate, true
	case d.DX > 0 && d.DY > 0:
		return model.PriorityDelete, true
	}
	return "", false
}

type Classifier struct {
	// TriggerRadius is the commit radius. Releases at or inside it cancel.
	TriggerRadius float64
	// PreviewThreshold is the distance at which the preview reaches full
	// intensity. It may be smaller than TriggerRadius.
	PreviewThreshold float64
}

func NewClassifier(triggerRadius, previewThreshold float64) (*Classifier, error) {
	if triggerRadius <= 0 || math.IsNaN(triggerRadius) || math.IsInf(triggerRadius, 0) {
		return nil, fmt.Errorf("%w: trigger radius %v", ErrInvalidRadius, triggerRadius)
	}
	if previewThreshold <= 0 || previewThreshold > triggerRadius || math.IsNaN(previewThreshold) {
		return nil, fmt.Errorf("%w: preview threshold %v must be in (0, %v]", ErrInvalidRadius, previewThreshold, triggerRadius)
	}
	return &Classifier{TriggerRadius: triggerRadius, PreviewThreshold: previewThreshold}, nil
}

func Default() *Classifier {
	return &Classifier{TriggerRadius: DefaultTriggerRadius, PreviewThreshold: DefaultTriggerRadius}
}

// Preview is the in-flight feedback for a drag sample. Intensity is
// min(distance/PreviewThreshold, 1).
type Preview struct {
	Priority   model.Priority `json:"priority,omitempty"`
	InQuadrant bool           `json:"in_quadrant"`
	Distance   float64        `json:"distance"`
	Intensity  float64        `json:"intensity"`
}

func (c *Classifier) Preview(d Displacement) Preview {
	dist := d.Distance()
	p, ok := Classify(d)
	return Preview{
		Priority:   p,
		InQuadrant: ok,
		Distance:   dist,
		Intensity:  math.Min(dist/c.PreviewThreshold, 1),
	}
}

type Decision struct {
	Priority model.Priority `json:"priority,omitempty"`
	Commit   bool           `json:"commit"`
	Distance float64        `json:"distance"`
}

// Decide applies the commit rule to a release sample.
func (c *Classifier) Decide(release Displacement) Decision {
	dist := release.Distance()
	p, ok := Classify(release)
	if !ok || !(dist > c.TriggerRadius) {
		return Decision{Distance: dist}
	}
	return Decision{Priority: p, Commit: true, Distance: dist}
}
