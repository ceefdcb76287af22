package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/jmorganca/advanced-controlnet/ml"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// ReadSafetensors reads the header of a safetensors file. Tensor data is
// read from the file when first requested.
func ReadSafetensors(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}

	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("invalid header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	sd := NewStateDict()
	for name, value := range headers {
		// __metadata__ has no dtype
		if value.Type == "" {
			continue
		}

		if len(value.Offsets) != 2 {
			return nil, fmt.Errorf("%s: invalid data offsets %v", name, value.Offsets)
		}

		shape := make([]int, len(value.Shape))
		for i, d := range value.Shape {
			shape[i] = int(d)
		}

		st := safetensor{
			path:   path,
			dtype:  value.Type,
			offset: safetensorsPad(n, value.Offsets[0]),
			size:   value.Offsets[1] - value.Offsets[0],
		}

		sd.Set(&Tensor{
			Name:  name,
			DType: ml.ParseDType(value.Type),
			Shape: shape,
			load:  st.floats,
		})
	}

	return sd, nil
}

// safetensorsPad returns the absolute file offset of a data offset given
// header size n.
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	path   string
	dtype  string
	offset int64
	size   int64
}

func (st safetensor) floats() ([]float32, error) {
	f, err := os.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, err
	}

	r := io.LimitReader(f, st.size)

	var f32s []float32
	switch st.dtype {
	case "F32":
		f32s = make([]float32, st.size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, st.size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, st.size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("unsupported data type: %s", st.dtype)
	}

	return f32s, nil
}

// WriteSafetensors writes sd as a safetensors file with every tensor in its
// stored type.
func WriteSafetensors(w io.Writer, sd *StateDict) error {
	headers := make(map[string]safetensorMetadata, sd.Len())

	var data bytes.Buffer
	for _, name := range sd.Keys() {
		t, _ := sd.Get(name)
		if t.Elements() == 0 {
			continue
		}

		f32s, err := t.Floats()
		if err != nil {
			return err
		}

		start := int64(data.Len())

		var dtype string
		switch t.DType {
		case ml.DTypeF16:
			dtype = "F16"
			u16s := make([]uint16, len(f32s))
			for i := range f32s {
				u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
			}
			err = binary.Write(&data, binary.LittleEndian, u16s)
		case ml.DTypeBF16:
			dtype = "BF16"
			_, err = data.Write(bfloat16.EncodeFloat32(f32s))
		case ml.DTypeF32:
			dtype = "F32"
			err = binary.Write(&data, binary.LittleEndian, f32s)
		default:
			err = errors.New("unsupported data type " + t.DType.String())
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}

		headers[name] = safetensorMetadata{Type: dtype, Shape: shape, Offsets: []int64{start, int64(data.Len())}}
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	_, err = data.WriteTo(w)
	return err
}
