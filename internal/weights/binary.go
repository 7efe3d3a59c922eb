package weights

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
)

// ReadRaw reads n little-endian float32 values, the layout PyTorch and
// NumPy dumps use.
func ReadRaw[W constraints.Float](r io.Reader, n int) ([]W, error) {
	f32s := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
		return nil, fmt.Errorf("failed to read %d raw values: %w", n, err)
	}
	out := make([]W, n)
	for i, v := range f32s {
		out[i] = W(v)
	}
	return out, nil
}

// WriteRaw writes values as little-endian float32.
func WriteRaw[W constraints.Float](w io.Writer, vals []W) error {
	f32s := make([]float32, len(vals))
	for i, v := range vals {
		f32s[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, f32s); err != nil {
		return fmt.Errorf("failed to write raw values: %w", err)
	}
	return nil
}
