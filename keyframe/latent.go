// Package keyframe holds the ordered keyframe collections that decide which
// weights and batch masks a controller uses.
package keyframe

import (
	"github.com/emirpasic/gods/v2/maps/treemap"
)

// LatentKeyframe overrides the strength of one image in a batch.
type LatentKeyframe struct {
	BatchIndex int
	Strength   float64
}

// LatentKeyframeGroup is a set of latent keyframes unique by batch index and
// ordered by it.
type LatentKeyframeGroup struct {
	keyframes *treemap.Map[int, LatentKeyframe]
}

func NewLatentKeyframeGroup(keyframes ...LatentKeyframe) *LatentKeyframeGroup {
	g := &LatentKeyframeGroup{keyframes: treemap.New[int, LatentKeyframe]()}
	for _, kf := range keyframes {
		g.Add(kf)
	}

	return g
}

// Add inserts kf, replacing any keyframe with the same batch index.
func (g *LatentKeyframeGroup) Add(kf LatentKeyframe) {
	g.keyframes.Put(kf.BatchIndex, kf)
}

// Index returns the keyframe at ordinal position i.
func (g *LatentKeyframeGroup) Index(i int) (LatentKeyframe, bool) {
	if g == nil || i < 0 || i >= g.keyframes.Size() {
		return LatentKeyframe{}, false
	}

	return g.keyframes.Values()[i], true
}

// Get returns the keyframe for batch index b.
func (g *LatentKeyframeGroup) Get(b int) (LatentKeyframe, bool) {
	if g == nil {
		return LatentKeyframe{}, false
	}

	return g.keyframes.Get(b)
}

func (g *LatentKeyframeGroup) Len() int {
	if g == nil {
		return 0
	}

	return g.keyframes.Size()
}

func (g *LatentKeyframeGroup) IsEmpty() bool {
	return g.Len() == 0
}

// Keyframes returns the keyframes in batch index order.
func (g *LatentKeyframeGroup) Keyframes() []LatentKeyframe {
	if g == nil {
		return nil
	}

	return g.keyframes.Values()
}

func (g *LatentKeyframeGroup) Clone() *LatentKeyframeGroup {
	if g == nil {
		return nil
	}

	return NewLatentKeyframeGroup(g.Keyframes()...)
}
