// Package decode converts raw register words into typed physical
// readings, driven entirely by the device's register map. There is no
// per-device decoding code: one generic function walks the map.
package decode

import (
	"fmt"
	"math"
	"time"

	"github.com/kpreisner/scadapoll/internal/types"
)

// Registers decodes every mapped metric that falls inside raw. Pure
// function: identical inputs yield identical readings. All produced
// readings carry QualityGood; anything that cannot be decoded fails the
// whole call with ErrDecode so the cycle is abandoned at the source.
func Registers(raw types.RawRegisters, specs []types.RegisterSpec, deviceID int, ts time.Time) ([]types.Reading, error) {
	readings := make([]types.Reading, 0, len(specs))

	for _, spec := range specs {
		value, err := word(raw, spec)
		if err != nil {
			return nil, err
		}

		readings = append(readings, types.Reading{
			DeviceID:  deviceID,
			Metric:    spec.Metric,
			Timestamp: ts,
			Value:     value,
			Unit:      spec.Unit,
			Quality:   types.QualityGood,
		})
	}

	return readings, nil
}

func word(raw types.RawRegisters, spec types.RegisterSpec) (float64, error) {
	if spec.Address < raw.Start {
		return 0, fmt.Errorf("%w: metric %q at address %d precedes payload start %d",
			types.ErrDecode, spec.Metric, spec.Address, raw.Start)
	}

	offset := int(spec.Address - raw.Start)
	if offset+spec.Words > len(raw.Words) {
		return 0, fmt.Errorf("%w: metric %q needs %d words at offset %d, payload has %d",
			types.ErrDecode, spec.Metric, spec.Words, offset, len(raw.Words))
	}

	scale := spec.Scale
	if scale == 0 {
		scale = 1.0
	}

	var rawInt int64
	switch spec.Words {
	case 1:
		if spec.Signed {
			rawInt = int64(int16(raw.Words[offset]))
		} else {
			rawInt = int64(raw.Words[offset])
		}
	case 2:
		// Big-endian word order: first register holds the high word.
		combined := uint32(raw.Words[offset])<<16 | uint32(raw.Words[offset+1])
		if spec.Signed {
			rawInt = int64(int32(combined))
		} else {
			rawInt = int64(combined)
		}
	default:
		return 0, fmt.Errorf("%w: metric %q declares unsupported width %d words",
			types.ErrDecode, spec.Metric, spec.Words)
	}

	return float64(rawInt) * scale, nil
}

// Encode is the inverse of Registers: it rebuilds raw words from
// physical values. Used to verify the decode round-trip and by device
// simulations. values maps metric name to physical value; start/count
// frame the produced payload.
func Encode(values map[string]float64, specs []types.RegisterSpec, start uint16, count int) (types.RawRegisters, error) {
	words := make([]uint16, count)

	for _, spec := range specs {
		value, ok := values[spec.Metric]
		if !ok {
			continue
		}

		offset := int(spec.Address) - int(start)
		if offset < 0 || offset+spec.Words > count {
			return types.RawRegisters{}, fmt.Errorf("%w: metric %q does not fit payload [%d, %d)",
				types.ErrDecode, spec.Metric, start, int(start)+count)
		}

		scale := spec.Scale
		if scale == 0 {
			scale = 1.0
		}

		rawInt := int64(math.Round(value / scale))
		if err := checkRange(rawInt, spec); err != nil {
			return types.RawRegisters{}, err
		}

		switch spec.Words {
		case 1:
			words[offset] = uint16(rawInt)
		case 2:
			combined := uint32(rawInt)
			words[offset] = uint16(combined >> 16)
			words[offset+1] = uint16(combined)
		default:
			return types.RawRegisters{}, fmt.Errorf("%w: metric %q declares unsupported width %d words",
				types.ErrDecode, spec.Metric, spec.Words)
		}
	}

	return types.RawRegisters{Start: start, Words: words}, nil
}

func checkRange(rawInt int64, spec types.RegisterSpec) error {
	var lo, hi int64
	switch {
	case spec.Words == 1 && spec.Signed:
		lo, hi = math.MinInt16, math.MaxInt16
	case spec.Words == 1:
		lo, hi = 0, math.MaxUint16
	case spec.Words == 2 && spec.Signed:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		lo, hi = 0, math.MaxUint32
	}

	if rawInt < lo || rawInt > hi {
		return fmt.Errorf("%w: metric %q raw value %d outside representable range [%d, %d]",
			types.ErrDecode, spec.Metric, rawInt, lo, hi)
	}

	return nil
}
