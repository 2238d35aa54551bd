package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proof-rpc/bridgeerr"
)

type proof struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

type detail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func roundTrip[T, E any](t *testing.T, env Envelope[T, E]) Envelope[T, E] {
	t.Helper()
	c := NewCodec()
	data, err := Encode(c, env)
	require.NoError(t, err)
	out, err := Decode[T, E](c, data)
	require.NoError(t, err)
	return out
}

func TestRoundTripSuccess(t *testing.T) {
	assert.Equal(t, Success[int, string](42), roundTrip(t, Success[int, string](42)))
	assert.Equal(t, Ok("ready"), roundTrip(t, Ok("ready")))
	assert.Equal(t, Ok(true), roundTrip(t, Ok(true)))
	assert.Equal(t, Ok(struct{}{}), roundTrip(t, Ok(struct{}{})))

	p := proof{Proof: []byte{0x01, 0x00, 0xff, 0x7f}, PublicInputs: []string{"25", "true"}}
	assert.Equal(t, Ok(p), roundTrip(t, Ok(p)))

	bin := []byte{0, 1, 2, 3, 254, 255}
	assert.Equal(t, Ok(bin), roundTrip(t, Ok(bin)))

	m := map[string]any{"age": float64(25), "tags": []any{"a", "b"}}
	assert.Equal(t, Ok(m), roundTrip(t, Ok(m)))
}

func TestRoundTripFailure(t *testing.T) {
	assert.Equal(t, Fail[int]("engine exploded"), roundTrip(t, Fail[int]("engine exploded")))

	d := detail{Code: 7, Message: "trap"}
	assert.Equal(t, Failure[proof, detail](d), roundTrip(t, Failure[proof, detail](d)))

	// An empty error payload must stay a failure.
	empty := roundTrip(t, Failure[string, string](""))
	assert.True(t, empty.IsFailure())
	assert.False(t, empty.IsSuccess())

	var nilErr *detail
	withNil := roundTrip(t, Failure[int, *detail](nilErr))
	assert.True(t, withNil.IsFailure())
	e, ok := withNil.Err()
	assert.True(t, ok)
	assert.Nil(t, e)
}

func TestSuccessWithZeroValueStaysSuccess(t *testing.T) {
	out := roundTrip(t, Ok[[]byte](nil))
	assert.True(t, out.IsSuccess())

	v, ok := out.Value()
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestTagIsExplicitOnTheWire(t *testing.T) {
	data, err := Encode(NewCodec(), Fail[int]("x"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"tag":"err","error":"x"}`, string(data))

	data, err = Encode(NewCodec(), Ok(3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"tag":"ok","value":3}`, string(data))
}

func TestVersionMismatchIsProtocolError(t *testing.T) {
	data, err := Encode(NewCodecVersion(2), Ok(1))
	require.NoError(t, err)

	_, err = Decode[int, string](NewCodec(), data)
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindProtocol, bridgeerr.KindOf(err))

	res := DecodeResult[int](NewCodec(), data)
	require.True(t, res.IsFailure())
	msg, _ := res.Err()
	assert.Contains(t, msg, "version mismatch")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{{`,
		"unknown tag":   `{"v":1,"tag":"maybe"}`,
		"missing tag":   `{"v":1,"value":3}`,
		"payload shape": `{"v":1,"tag":"ok","value":"three"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res := DecodeResult[int](NewCodec(), []byte(raw))
			require.True(t, res.IsFailure())
			msg, _ := res.Err()
			assert.Contains(t, msg, "protocol")
		})
	}
}

func TestEncodeRejectsUntagged(t *testing.T) {
	_, err := Encode(NewCodec(), Envelope[int, string]{})
	require.Error(t, err)
}

func TestAccessors(t *testing.T) {
	ok := Ok(5)
	v, isOk := ok.Value()
	assert.Equal(t, 5, v)
	assert.True(t, isOk)
	_, isErr := ok.Err()
	assert.False(t, isErr)
	assert.Equal(t, TagSuccess, ok.Tag())
	assert.Equal(t, "Success(5)", ok.String())

	bad := Fail[int]("no %s", "engine")
	e, isErr := bad.Err()
	assert.Equal(t, "no engine", e)
	assert.True(t, isErr)
	assert.Equal(t, "Failure(no engine)", bad.String())
}

func TestRecast(t *testing.T) {
	r := Recast[bool](Fail[struct{}]("probe exhausted"))
	msg, ok := r.Err()
	assert.True(t, ok)
	assert.Equal(t, "probe exhausted", msg)

	assert.Panics(t, func() { Recast[bool](Ok(struct{}{})) })
}
