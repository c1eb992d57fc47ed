package gpu

import (
	"fmt"
	"strings"
)

// Device names where a value lives, e.g. "cpu" or "cuda:0".
type Device string

// DeviceHost is host memory. The intermediate-result cache only ever stores
// values here.
const DeviceHost Device = "cpu"

func ParseDevice(raw string) Device {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return DeviceHost
	}
	return Device(raw)
}

// Value is a cacheable result that can be migrated between devices.
// To must return a deep copy that shares no memory with the receiver.
type Value interface {
	To(device Device) (Value, error)
}

// Sizer is implemented by values that can report their payload size.
type Sizer interface {
	SizeBytes() int
}

// Tensor is an opaque dense buffer plus the metadata needed to rebuild it on
// the other side of the inference boundary.
type Tensor struct {
	Device Device `json:"device"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Data   []byte `json:"data"`
}

// Copy returns a detached tensor resident on device.
func (t *Tensor) Copy(device Device) *Tensor {
	if t == nil {
		return nil
	}
	out := &Tensor{
		Device: device,
		DType:  t.DType,
		Shape:  append([]int(nil), t.Shape...),
		Data:   make([]byte, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) To(device Device) (Value, error) {
	if t == nil {
		return nil, fmt.Errorf("migrate nil tensor to %s", device)
	}
	return t.Copy(device), nil
}

func (t *Tensor) SizeBytes() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// TensorSet groups the named outputs of one call, such as prompt and
// negative prompt embeddings.
type TensorSet map[string]*Tensor

func (s TensorSet) To(device Device) (Value, error) {
	out := make(TensorSet, len(s))
	for name, tensor := range s {
		if tensor == nil {
			return nil, fmt.Errorf("migrate tensor %q: nil tensor", name)
		}
		out[name] = tensor.Copy(device)
	}
	return out, nil
}

func (s TensorSet) SizeBytes() int {
	total := 0
	for _, tensor := range s {
		total += tensor.SizeBytes()
	}
	return total
}
