package keyframe

import (
	"slices"

	"github.com/emirpasic/gods/v2/maps/treemap"
)

const (
	ControlNetLayers = 13
	T2IAdapterLayers = 4
)

// TimestepKeyframe is the configuration active from StartPercent of the
// schedule until the next keyframe. Nil fields mean "no override".
type TimestepKeyframe struct {
	StartPercent      float64
	ControlNetWeights []float64
	T2IAdapterWeights []float64
	LatentKeyframes   *LatentKeyframeGroup
}

// DefaultTimestepKeyframe starts at 0 and overrides nothing.
func DefaultTimestepKeyframe() TimestepKeyframe {
	return TimestepKeyframe{}
}

// ControlNetWeightsOrDefault returns the ControlNet layer weights, or full
// strength for every layer.
func (kf TimestepKeyframe) ControlNetWeightsOrDefault() []float64 {
	if len(kf.ControlNetWeights) > 0 {
		return kf.ControlNetWeights
	}

	return ones(ControlNetLayers)
}

// T2IAdapterWeightsOrDefault returns the adapter layer weights, or full
// strength for every layer.
func (kf TimestepKeyframe) T2IAdapterWeightsOrDefault() []float64 {
	if len(kf.T2IAdapterWeights) > 0 {
		return kf.T2IAdapterWeights
	}

	return ones(T2IAdapterLayers)
}

func ones(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func (kf TimestepKeyframe) clone() TimestepKeyframe {
	return TimestepKeyframe{
		StartPercent:      kf.StartPercent,
		ControlNetWeights: slices.Clone(kf.ControlNetWeights),
		T2IAdapterWeights: slices.Clone(kf.T2IAdapterWeights),
		LatentKeyframes:   kf.LatentKeyframes.Clone(),
	}
}

// Selection chooses which timestep keyframe is active for a step.
type Selection int

const (
	// SelectFirst always uses the keyframe at ordinal 0.
	SelectFirst Selection = iota

	// SelectSchedule uses the keyframe whose start percent bracket contains
	// the current progress.
	SelectSchedule
)

func (s Selection) String() string {
	switch s {
	case SelectSchedule:
		return "schedule"
	default:
		return "first"
	}
}

// TimestepKeyframeGroup is a set of timestep keyframes unique by start
// percent and ordered by it. A new group always holds the default keyframe.
type TimestepKeyframeGroup struct {
	keyframes *treemap.Map[float64, TimestepKeyframe]
}

func NewTimestepKeyframeGroup() *TimestepKeyframeGroup {
	g := &TimestepKeyframeGroup{keyframes: treemap.New[float64, TimestepKeyframe]()}
	g.Add(DefaultTimestepKeyframe())
	return g
}

// DefaultTimestepKeyframeGroup returns a group whose only keyframe is kf.
func DefaultTimestepKeyframeGroup(kf TimestepKeyframe) *TimestepKeyframeGroup {
	g := &TimestepKeyframeGroup{keyframes: treemap.New[float64, TimestepKeyframe]()}
	g.Add(kf)
	return g
}

// Add inserts kf, replacing any keyframe with the same start percent.
func (g *TimestepKeyframeGroup) Add(kf TimestepKeyframe) {
	g.keyframes.Put(kf.StartPercent, kf)
}

// Index returns the keyframe at ordinal position i.
func (g *TimestepKeyframeGroup) Index(i int) (TimestepKeyframe, bool) {
	if g == nil || i < 0 || i >= g.keyframes.Size() {
		return TimestepKeyframe{}, false
	}

	return g.keyframes.Values()[i], true
}

// At returns the keyframe with the greatest start percent not after
// percent. Progress before the first keyframe selects the first keyframe.
func (g *TimestepKeyframeGroup) At(percent float64) (TimestepKeyframe, bool) {
	keyframes := g.Keyframes()
	if len(keyframes) == 0 {
		return TimestepKeyframe{}, false
	}

	active := keyframes[0]
	for _, kf := range keyframes[1:] {
		if kf.StartPercent > percent {
			break
		}
		active = kf
	}

	return active, true
}

// Select returns the active keyframe for a step at percent progress, or the
// default keyframe if the group is empty.
func (g *TimestepKeyframeGroup) Select(s Selection, percent float64) TimestepKeyframe {
	var kf TimestepKeyframe
	var ok bool
	switch s {
	case SelectSchedule:
		kf, ok = g.At(percent)
	default:
		kf, ok = g.Index(0)
	}

	if !ok {
		return DefaultTimestepKeyframe()
	}

	return kf
}

func (g *TimestepKeyframeGroup) Len() int {
	if g == nil {
		return 0
	}

	return g.keyframes.Size()
}

func (g *TimestepKeyframeGroup) IsEmpty() bool {
	return g.Len() == 0
}

// Keyframes returns the keyframes in start percent order.
func (g *TimestepKeyframeGroup) Keyframes() []TimestepKeyframe {
	if g == nil {
		return nil
	}

	return g.keyframes.Values()
}

// Clone deep copies the group so the copy shares no mutable state.
func (g *TimestepKeyframeGroup) Clone() *TimestepKeyframeGroup {
	if g == nil {
		return nil
	}

	c := &TimestepKeyframeGroup{keyframes: treemap.New[float64, TimestepKeyframe]()}
	for _, kf := range g.Keyframes() {
		c.Add(kf.clone())
	}

	return c
}
