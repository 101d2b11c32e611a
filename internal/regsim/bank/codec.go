package bank

import (
	"math"

	"modbus-simulator/internal/regsim/schema"
)

// encode converts a scaled (human-meaningful) value to its wire words for
// reg, clamping to the numeric type's representable range after rounding
// (spec §4.2 "Encoding"/"Clamping"). Integer types use banker's rounding;
// F32 relies on the round-to-nearest-even behavior of float64->float32
// conversion.
func encode(scaled float64, reg *schema.Register) []uint16 {
	v := scaled * reg.Scale
	switch reg.Type {
	case schema.U16:
		r := clampRound(v, reg.Type)
		return []uint16{uint16(r)}
	case schema.I16:
		r := clampRound(v, reg.Type)
		return []uint16{uint16(int16(r))}
	case schema.U32:
		r := clampRound(v, reg.Type)
		u := uint32(r)
		return []uint16{uint16(u >> 16), uint16(u & 0xFFFF)}
	case schema.I32:
		r := clampRound(v, reg.Type)
		u := uint32(int32(r))
		return []uint16{uint16(u >> 16), uint16(u & 0xFFFF)}
	case schema.F32:
		if v > math.MaxFloat32 {
			v = math.MaxFloat32
		} else if v < -math.MaxFloat32 {
			v = -math.MaxFloat32
		}
		bits := math.Float32bits(float32(v))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}
	default:
		return []uint16{0}
	}
}

func clampRound(v float64, t schema.NumericType) float64 {
	lo, hi := t.Bounds()
	r := math.RoundToEven(v)
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// decode converts words on the wire back to the register's scaled value,
// used when a client writes FC 6/16. It is the exact inverse of encode's
// scale application (no rounding is needed going this direction since the
// wire already holds the rounded integer, or an exact IEEE-754 bit
// pattern for F32).
func decode(words []uint16, reg *schema.Register) float64 {
	switch reg.Type {
	case schema.U16:
		return float64(words[0]) / reg.Scale
	case schema.I16:
		return float64(int16(words[0])) / reg.Scale
	case schema.U32:
		u := uint32(words[0])<<16 | uint32(words[1])
		return float64(u) / reg.Scale
	case schema.I32:
		u := uint32(words[0])<<16 | uint32(words[1])
		return float64(int32(u)) / reg.Scale
	case schema.F32:
		u := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(u)) / reg.Scale
	default:
		return 0
	}
}
