// Package schedule reads and writes keyframe schedule files. A schedule
// lists timestep keyframes with their layer weights and latent keyframes and
// may be written as YAML, JSON or CBOR.
package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/jmorganca/advanced-controlnet/keyframe"
)

type LatentKeyframe struct {
	BatchIndex int `json:"batch_index" yaml:"batch_index"`

	// Strength defaults to 1 when omitted.
	Strength *float64 `json:"strength,omitempty" yaml:"strength,omitempty"`
}

func (l LatentKeyframe) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.BatchIndex, validation.Min(0)),
		validation.Field(&l.Strength, validation.Min(0.0), validation.By(finite)),
	)
}

type Keyframe struct {
	StartPercent      float64          `json:"start_percent" yaml:"start_percent"`
	ControlNetWeights []float64        `json:"control_net_weights,omitempty" yaml:"control_net_weights,omitempty"`
	T2IAdapterWeights []float64        `json:"t2i_adapter_weights,omitempty" yaml:"t2i_adapter_weights,omitempty"`
	LatentKeyframes   []LatentKeyframe `json:"latent_keyframes,omitempty" yaml:"latent_keyframes,omitempty"`
}

func (k Keyframe) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.StartPercent, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&k.ControlNetWeights,
			validation.Length(0, keyframe.ControlNetLayers),
			validation.Each(validation.By(finite)),
		),
		validation.Field(&k.T2IAdapterWeights,
			validation.Length(0, keyframe.T2IAdapterLayers),
			validation.Each(validation.By(finite)),
		),
		validation.Field(&k.LatentKeyframes),
	)
}

// File is a keyframe schedule.
type File struct {
	// Selection is "first" or "schedule". Empty means "first".
	Selection string     `json:"selection,omitempty" yaml:"selection,omitempty"`
	Keyframes []Keyframe `json:"keyframes" yaml:"keyframes"`
}

func (f File) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Selection, validation.In(keyframe.SelectFirst.String(), keyframe.SelectSchedule.String())),
		validation.Field(&f.Keyframes, validation.Required),
	)
}

// Mode returns the keyframe selection the schedule asks for.
func (f *File) Mode() keyframe.Selection {
	if f.Selection == keyframe.SelectSchedule.String() {
		return keyframe.SelectSchedule
	}

	return keyframe.SelectFirst
}

// Group converts the schedule to a timestep keyframe group. A keyframe at
// start 0 replaces the default keyframe.
func (f *File) Group() *keyframe.TimestepKeyframeGroup {
	g := keyframe.NewTimestepKeyframeGroup()
	for _, k := range f.Keyframes {
		kf := keyframe.TimestepKeyframe{
			StartPercent:      k.StartPercent,
			ControlNetWeights: k.ControlNetWeights,
			T2IAdapterWeights: k.T2IAdapterWeights,
		}

		if k.LatentKeyframes != nil {
			kf.LatentKeyframes = keyframe.NewLatentKeyframeGroup()
			for _, l := range k.LatentKeyframes {
				strength := 1.0
				if l.Strength != nil {
					strength = *l.Strength
				}

				kf.LatentKeyframes.Add(keyframe.LatentKeyframe{BatchIndex: l.BatchIndex, Strength: strength})
			}
		}

		g.Add(kf)
	}

	return g
}

// FromGroup converts a timestep keyframe group back to a schedule.
func FromGroup(g *keyframe.TimestepKeyframeGroup, s keyframe.Selection) *File {
	f := File{Selection: s.String()}
	for _, kf := range g.Keyframes() {
		k := Keyframe{
			StartPercent:      kf.StartPercent,
			ControlNetWeights: kf.ControlNetWeights,
			T2IAdapterWeights: kf.T2IAdapterWeights,
		}

		if kf.LatentKeyframes != nil {
			k.LatentKeyframes = []LatentKeyframe{}
			for _, l := range kf.LatentKeyframes.Keyframes() {
				strength := l.Strength
				k.LatentKeyframes = append(k.LatentKeyframes, LatentKeyframe{BatchIndex: l.BatchIndex, Strength: &strength})
			}
		}

		f.Keyframes = append(f.Keyframes, k)
	}

	return &f
}

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// FormatOf returns the schedule format implied by the extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown schedule format: %s", filepath.Base(path))
	}
}

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decode reads a schedule. Values are loosely typed: numbers may be given as
// strings and single values where lists are expected.
func Decode(r io.Reader, format Format) (*File, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(b, &raw)
	case FormatJSON:
		err = json.Unmarshal(b, &raw)
	case FormatCBOR:
		err = decMode.Unmarshal(b, &raw)
	default:
		err = fmt.Errorf("unknown schedule format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s schedule: %w", format, err)
	}

	var f File
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &f,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       integral,
	})
	if err != nil {
		return nil, err
	}

	if err := d.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	return &f, nil
}

// integral rejects numbers with a fractional part where an integer is
// expected. Weak typing would truncate them.
func integral(from, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}

	var v float64
	switch n := data.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	default:
		return data, nil
	}

	if v != math.Trunc(v) {
		return nil, fmt.Errorf("%v is not an integer", v)
	}

	return data, nil
}

// Encode writes f in the given format.
func Encode(w io.Writer, format Format, f *File) error {
	var b []byte
	var err error
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(f); err == nil {
			err = enc.Close()
		}
		b = buf.Bytes()
	case FormatJSON:
		b, err = json.MarshalIndent(f, "", "  ")
		b = append(b, '\n')
	case FormatCBOR:
		b, err = cbor.Marshal(f)
	default:
		err = fmt.Errorf("unknown schedule format %q", format)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// Load reads and validates the schedule file at path.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := Decode(r, format)
	if err != nil {
		return nil, err
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return f, nil
}

func finite(value any) error {
	var v float64
	switch n := value.(type) {
	case float64:
		v = n
	case *float64:
		if n == nil {
			return nil
		}
		v = *n
	default:
		return errors.New("must be a number")
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.New("must be finite")
	}

	return nil
}
