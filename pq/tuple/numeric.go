package tuple

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/go-playground/errors"
)

// numeric header bits, see src/backend/utils/adt/numeric.c.
const (
	numericSignMask    = 0xC000
	numericNeg         = 0x4000
	numericShort       = 0x8000
	numericSpecial     = 0xC000
	numericExtSignMask = 0xF000
	numericNaN         = 0xC000
	numericPInf        = 0xD000
	numericNInf        = 0xF000
	numericDscaleMask  = 0x3FFF

	numericShortSignMask       = 0x2000
	numericShortDscaleMask     = 0x1F80
	numericShortDscaleShift    = 7
	numericShortWeightSignMask = 0x0040
	numericShortWeightMask     = 0x003F

	decDigits = 4
)

// formatNumeric prints an on-disk numeric (without varlena header) like numeric_out.
func formatNumeric(b []byte) (string, error) {
	if len(b) < 2 {
		return "", errors.New("numeric datum is too short")
	}

	header := binary.LittleEndian.Uint16(b)
	var (
		neg    bool
		weight int
		dscale int
		offset int
	)

	switch header & numericSignMask {
	case numericSpecial:
		switch header & numericExtSignMask {
		case numericNaN:
			return "NaN", nil
		case numericPInf:
			return "Infinity", nil
		case numericNInf:
			return "-Infinity", nil
		}
		return "", errors.Newf("unknown numeric special value %#04x", header)
	case numericShort:
		neg = header&numericShortSignMask != 0
		dscale = int(header&numericShortDscaleMask) >> numericShortDscaleShift
		weight = int(header & numericShortWeightMask)
		if header&numericShortWeightSignMask != 0 {
			weight -= numericShortWeightMask + 1
		}
		offset = 2
	default:
		if len(b) < 4 {
			return "", errors.New("numeric datum is too short")
		}
		neg = header&numericSignMask == numericNeg
		dscale = int(header & numericDscaleMask)
		weight = int(int16(binary.LittleEndian.Uint16(b[2:])))
		offset = 4
	}

	if (len(b)-offset)%2 != 0 {
		return "", errors.New("numeric digits are not 2-byte aligned")
	}
	digits := make([]int16, (len(b)-offset)/2)
	for i := range digits {
		digits[i] = int16(binary.LittleEndian.Uint16(b[offset+2*i:]))
	}

	return numericText(neg, weight, dscale, digits), nil
}

// numericText prints base-10000 digits where digits[0] has the given weight,
// with exactly dscale fractional decimal digits.
func numericText(neg bool, weight, dscale int, digits []int16) string {
	digit := func(i int) int16 {
		if i < 0 || i >= len(digits) {
			return 0
		}
		return digits[i]
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}

	if weight < 0 {
		b.WriteByte('0')
	} else {
		b.WriteString(strconv.Itoa(int(digit(0))))
		for i := 1; i <= weight; i++ {
			b.WriteString(padDigit(digit(i)))
		}
	}

	if dscale > 0 {
		var frac strings.Builder
		for i := weight + 1; frac.Len() < dscale; i++ {
			frac.WriteString(padDigit(digit(i)))
		}
		b.WriteByte('.')
		b.WriteString(frac.String()[:dscale])
	}

	return b.String()
}

func padDigit(d int16) string {
	s := strconv.Itoa(int(d))
	return strings.Repeat("0", decDigits-len(s)) + s
}
