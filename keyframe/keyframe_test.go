package keyframe

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var cmpGroups = cmp.Comparer(func(a, b *LatentKeyframeGroup) bool {
	return cmp.Equal(a.Keyframes(), b.Keyframes())
})

func TestLatentKeyframeGroupAdd(t *testing.T) {
	g := NewLatentKeyframeGroup()
	g.Add(LatentKeyframe{BatchIndex: 3, Strength: 0.3})
	g.Add(LatentKeyframe{BatchIndex: 1, Strength: 0.1})
	g.Add(LatentKeyframe{BatchIndex: 2, Strength: 0.2})
	g.Add(LatentKeyframe{BatchIndex: 1, Strength: 0.9})

	want := []LatentKeyframe{
		{BatchIndex: 1, Strength: 0.9},
		{BatchIndex: 2, Strength: 0.2},
		{BatchIndex: 3, Strength: 0.3},
	}
	if diff := cmp.Diff(want, g.Keyframes()); diff != "" {
		t.Errorf("keyframes mismatch (-want +got):\n%s", diff)
	}

	if got, ok := g.Get(2); !ok || got.Strength != 0.2 {
		t.Errorf("Get(2) = %v, %v", got, ok)
	}

	if _, ok := g.Get(7); ok {
		t.Error("Get(7) should not be found")
	}
}

func TestLatentKeyframeGroupIndex(t *testing.T) {
	g := NewLatentKeyframeGroup()
	if !g.IsEmpty() {
		t.Fatal("new group should be empty")
	}

	for _, i := range []int{-1, 0, 1} {
		if _, ok := g.Index(i); ok {
			t.Errorf("Index(%d) on empty group should not be found", i)
		}
	}

	g.Add(LatentKeyframe{BatchIndex: 5, Strength: 1})
	g.Add(LatentKeyframe{BatchIndex: 0, Strength: 0.5})

	kf, ok := g.Index(1)
	if !ok || kf.BatchIndex != 5 {
		t.Errorf("Index(1) = %v, %v; want batch index 5", kf, ok)
	}

	if _, ok := g.Index(2); ok {
		t.Error("Index past the end should not be found")
	}

	var nilGroup *LatentKeyframeGroup
	if _, ok := nilGroup.Index(0); ok || !nilGroup.IsEmpty() {
		t.Error("nil group should behave as empty")
	}
}

func TestLatentKeyframeGroupRandomAdds(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	g := NewLatentKeyframeGroup()
	last := map[int]float64{}

	for range 200 {
		kf := LatentKeyframe{BatchIndex: r.IntN(16), Strength: r.Float64()}
		g.Add(kf)
		last[kf.BatchIndex] = kf.Strength
	}

	got := g.Keyframes()
	if !slices.IsSortedFunc(got, func(a, b LatentKeyframe) int { return a.BatchIndex - b.BatchIndex }) {
		t.Fatalf("keyframes not sorted: %v", got)
	}

	if len(got) != len(last) {
		t.Fatalf("got %d keyframes, want %d", len(got), len(last))
	}

	for _, kf := range got {
		if last[kf.BatchIndex] != kf.Strength {
			t.Errorf("batch %d strength %v, want most recent %v", kf.BatchIndex, kf.Strength, last[kf.BatchIndex])
		}
	}
}

func TestNewTimestepKeyframeGroup(t *testing.T) {
	g := NewTimestepKeyframeGroup()
	if g.Len() != 1 {
		t.Fatalf("new group has %d keyframes, want 1", g.Len())
	}

	kf, ok := g.Index(0)
	if !ok {
		t.Fatal("default keyframe missing")
	}

	if diff := cmp.Diff(DefaultTimestepKeyframe(), kf, cmpGroups); diff != "" {
		t.Errorf("default keyframe mismatch (-want +got):\n%s", diff)
	}
}

func TestTimestepKeyframeGroupAdd(t *testing.T) {
	g := NewTimestepKeyframeGroup()
	g.Add(TimestepKeyframe{StartPercent: 0.5, ControlNetWeights: []float64{0.5}})
	g.Add(TimestepKeyframe{StartPercent: 0.25})
	g.Add(TimestepKeyframe{StartPercent: 0.5, ControlNetWeights: []float64{0.75}})
	g.Add(TimestepKeyframe{StartPercent: 0, T2IAdapterWeights: []float64{2}})

	want := []TimestepKeyframe{
		{StartPercent: 0, T2IAdapterWeights: []float64{2}},
		{StartPercent: 0.25},
		{StartPercent: 0.5, ControlNetWeights: []float64{0.75}},
	}
	if diff := cmp.Diff(want, g.Keyframes(), cmpGroups); diff != "" {
		t.Errorf("keyframes mismatch (-want +got):\n%s", diff)
	}

	if _, ok := g.Index(3); ok {
		t.Error("Index past the end should not be found")
	}
}

func TestDefaultTimestepKeyframeGroup(t *testing.T) {
	kf := TimestepKeyframe{StartPercent: 0, ControlNetWeights: []float64{0.1, 0.2}}
	g := DefaultTimestepKeyframeGroup(kf)

	if g.Len() != 1 {
		t.Fatalf("got %d keyframes, want 1", g.Len())
	}

	got, _ := g.Index(0)
	if diff := cmp.Diff(kf, got, cmpGroups); diff != "" {
		t.Errorf("keyframe mismatch (-want +got):\n%s", diff)
	}
}

func TestTimestepKeyframeGroupSelect(t *testing.T) {
	g := NewTimestepKeyframeGroup()
	g.Add(TimestepKeyframe{StartPercent: 0.3, ControlNetWeights: []float64{3}})
	g.Add(TimestepKeyframe{StartPercent: 0.6, ControlNetWeights: []float64{6}})

	cases := []struct {
		selection Selection
		percent   float64
		want      float64
	}{
		{SelectFirst, 0, 0},
		{SelectFirst, 0.9, 0},
		{SelectSchedule, 0, 0},
		{SelectSchedule, 0.29, 0},
		{SelectSchedule, 0.3, 0.3},
		{SelectSchedule, 0.59, 0.3},
		{SelectSchedule, 1, 0.6},
	}

	for _, tt := range cases {
		if got := g.Select(tt.selection, tt.percent); got.StartPercent != tt.want {
			t.Errorf("Select(%s, %v) start = %v, want %v", tt.selection, tt.percent, got.StartPercent, tt.want)
		}
	}
}

func TestWeightsOrDefault(t *testing.T) {
	var kf TimestepKeyframe
	if diff := cmp.Diff(slices.Repeat([]float64{1}, ControlNetLayers), kf.ControlNetWeightsOrDefault()); diff != "" {
		t.Errorf("controlnet default mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(slices.Repeat([]float64{1}, T2IAdapterLayers), kf.T2IAdapterWeightsOrDefault()); diff != "" {
		t.Errorf("adapter default mismatch (-want +got):\n%s", diff)
	}

	kf.T2IAdapterWeights = []float64{0.5, 0.5}
	if diff := cmp.Diff([]float64{0.5, 0.5}, kf.T2IAdapterWeightsOrDefault()); diff != "" {
		t.Errorf("adapter weights mismatch (-want +got):\n%s", diff)
	}
}

func TestTimestepKeyframeGroupClone(t *testing.T) {
	g := NewTimestepKeyframeGroup()
	g.Add(TimestepKeyframe{
		StartPercent:      0.5,
		ControlNetWeights: []float64{1, 2},
		LatentKeyframes:   NewLatentKeyframeGroup(LatentKeyframe{BatchIndex: 0, Strength: 1}),
	})

	c := g.Clone()
	if diff := cmp.Diff(g.Keyframes(), c.Keyframes(), cmpGroups, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}

	orig, _ := g.Index(1)
	orig.ControlNetWeights[0] = 100
	orig.LatentKeyframes.Add(LatentKeyframe{BatchIndex: 9, Strength: 1})
	c.Add(TimestepKeyframe{StartPercent: 0.75})

	cloned, _ := c.Index(1)
	if cloned.ControlNetWeights[0] != 1 {
		t.Error("clone shares weight storage with the original")
	}

	if cloned.LatentKeyframes.Len() != 1 {
		t.Error("clone shares latent keyframes with the original")
	}

	if g.Len() != 2 {
		t.Error("adding to the clone changed the original")
	}
}
