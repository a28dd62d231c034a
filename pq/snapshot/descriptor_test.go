package snapshot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

func TestParse(t *testing.T) {
	t.Run("should parse bounds and in progress list", func(t *testing.T) {
		d, err := Parse("4:45:23,35")

		require.NoError(t, err)
		assert.Equal(t, Descriptor{Xmin: 4, Xmax: 45, Xip: []pq.XID{23, 35}}, d)
	})

	t.Run("should parse empty in progress list", func(t *testing.T) {
		d, err := Parse("4:45:")

		require.NoError(t, err)
		assert.Equal(t, pq.XID(4), d.Xmin)
		assert.Equal(t, pq.XID(45), d.Xmax)
		assert.Empty(t, d.Xip)
	})

	t.Run("should keep order and duplicates", func(t *testing.T) {
		d, err := Parse("10:20:15,11,15")

		require.NoError(t, err)
		assert.Equal(t, []pq.XID{15, 11, 15}, d.Xip)
	})

	t.Run("should accept xmin equal to xmax", func(t *testing.T) {
		d, err := Parse("700:700:")

		require.NoError(t, err)
		assert.Equal(t, "700:700:", d.String())
	})

	t.Run("should reject missing field", func(t *testing.T) {
		_, err := Parse("4:45")

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFormat))

		var formatErr *FormatError
		require.True(t, errors.As(err, &formatErr))
		assert.Equal(t, "4:45", formatErr.Spec)
	})

	t.Run("should reject too many fields", func(t *testing.T) {
		_, err := Parse("4:45:5:6")

		assert.True(t, errors.Is(err, ErrFormat))
	})

	t.Run("should reject non numeric bounds", func(t *testing.T) {
		for _, spec := range []string{"a:45:", "4:b:", ":45:", "-1:45:", "4:4294967296:"} {
			_, err := Parse(spec)

			assert.Truef(t, errors.Is(err, ErrFormat), "spec %q", spec)
			assert.Falsef(t, errors.Is(err, ErrRange), "spec %q", spec)
		}
	})

	t.Run("should reject non numeric member", func(t *testing.T) {
		_, err := Parse("4:45:10,x")

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFormat))
		assert.Contains(t, err.Error(), `"x"`)
	})

	t.Run("should report range error before the malformed trailing member", func(t *testing.T) {
		_, err := Parse("4:45:50,")

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRange))
		assert.False(t, errors.Is(err, ErrFormat))

		var rangeErr *RangeError
		require.True(t, errors.As(err, &rangeErr))
		assert.Equal(t, RangeError{Value: 50, Xmin: 4, Xmax: 45}, *rangeErr)
		assert.Equal(t, "xip value 50 is outside of 4..45", err.Error())
	})

	t.Run("should reject empty trailing member", func(t *testing.T) {
		_, err := Parse("4:45:10,")

		assert.True(t, errors.Is(err, ErrFormat))
	})

	t.Run("should treat xmax as exclusive and xmin as inclusive", func(t *testing.T) {
		_, err := Parse("4:45:45")
		assert.True(t, errors.Is(err, ErrRange))

		_, err = Parse("4:45:3")
		assert.True(t, errors.Is(err, ErrRange))

		d, err := Parse("4:45:4,44")
		require.NoError(t, err)
		assert.Equal(t, []pq.XID{4, 44}, d.Xip)
	})

	t.Run("should reject xmin above xmax", func(t *testing.T) {
		_, err := Parse("45:4:")

		assert.True(t, errors.Is(err, ErrRange))
	})

	t.Run("should round trip through String", func(t *testing.T) {
		d, err := Parse("3:100:3,50,99")
		require.NoError(t, err)

		again, err := Parse(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, again)
	})
}
